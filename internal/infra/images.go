package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/exchange-latency/latencyprobe/internal/log"
)

// ImagesAPI is the subset of the EC2 client used by ImageVerifier.
type ImagesAPI interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// ClientFactory returns an EC2 client bound to a region.
type ClientFactory func(ctx context.Context, region string) (ImagesAPI, error)

// ImageVerifier checks that a machine image exists and is available in a
// region before anything is provisioned there.
type ImageVerifier struct {
	client ClientFactory
}

// NewImageVerifier uses the static credentials when both are set and the
// default AWS credential chain otherwise.
func NewImageVerifier(accessKey, secretKey string) *ImageVerifier {
	return &ImageVerifier{client: func(ctx context.Context, region string) (ImagesAPI, error) {
		opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
		if accessKey != "" && secretKey != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
			))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return ec2.NewFromConfig(cfg), nil
	}}
}

// NewImageVerifierWithClient is NewImageVerifier with a custom client factory.
func NewImageVerifierWithClient(f ClientFactory) *ImageVerifier {
	return &ImageVerifier{client: f}
}

func (v *ImageVerifier) Verify(ctx context.Context, region, image string) error {
	fail := func(kind Kind, err error) error {
		return &Error{Op: OpPreflight, Kind: kind, Err: fmt.Errorf("image %s in %s: %w", image, region, err)}
	}

	client, err := v.client(ctx, region)
	if err != nil {
		return fail(CommandFailed, err)
	}

	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{image},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && strings.HasPrefix(apiErr.ErrorCode(), "InvalidAMIID") {
			return fail(ImageUnavailable, err)
		}
		return fail(CommandFailed, err)
	}

	for _, img := range out.Images {
		if aws.ToString(img.ImageId) != image {
			continue
		}
		if img.State != types.ImageStateAvailable {
			return fail(ImageUnavailable, fmt.Errorf("image state is %q", img.State))
		}
		log.Debug(ctx, "image available", "image", image, "name", aws.ToString(img.Name))
		return nil
	}
	return fail(ImageUnavailable, errors.New("image not found"))
}
