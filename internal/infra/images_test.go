package infra

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImages struct {
	out *ec2.DescribeImagesOutput
	err error

	input *ec2.DescribeImagesInput
}

func (f *fakeImages) DescribeImages(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.input = in
	return f.out, f.err
}

func TestImageVerifier(t *testing.T) {
	verifier := func(f *fakeImages, region *string) *ImageVerifier {
		return NewImageVerifierWithClient(func(_ context.Context, r string) (ImagesAPI, error) {
			if region != nil {
				*region = r
			}
			return f, nil
		})
	}
	kindOf := func(t *testing.T, err error) Kind {
		t.Helper()
		var ierr *Error
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, OpPreflight, ierr.Op)
		return ierr.Kind
	}

	t.Run("available", func(t *testing.T) {
		f := &fakeImages{out: &ec2.DescribeImagesOutput{Images: []types.Image{
			{ImageId: aws.String("ami-1"), State: types.ImageStateAvailable, Name: aws.String("ubuntu")},
		}}}
		var region string
		require.NoError(t, verifier(f, &region).Verify(testContext(t), "eu-west-1", "ami-1"))
		assert.Equal(t, "eu-west-1", region)
		assert.Equal(t, []string{"ami-1"}, f.input.ImageIds)
	})
	t.Run("not-available-yet", func(t *testing.T) {
		f := &fakeImages{out: &ec2.DescribeImagesOutput{Images: []types.Image{
			{ImageId: aws.String("ami-1"), State: types.ImageStatePending},
		}}}
		err := verifier(f, nil).Verify(testContext(t), "eu-west-1", "ami-1")
		assert.Equal(t, ImageUnavailable, kindOf(t, err))
	})
	t.Run("not-returned", func(t *testing.T) {
		f := &fakeImages{out: &ec2.DescribeImagesOutput{}}
		err := verifier(f, nil).Verify(testContext(t), "eu-west-1", "ami-1")
		assert.Equal(t, ImageUnavailable, kindOf(t, err))
	})
	t.Run("api-not-found", func(t *testing.T) {
		f := &fakeImages{err: &smithy.GenericAPIError{Code: "InvalidAMIID.NotFound", Message: "The image id '[ami-1]' does not exist"}}
		err := verifier(f, nil).Verify(testContext(t), "eu-west-1", "ami-1")
		assert.Equal(t, ImageUnavailable, kindOf(t, err))
	})
	t.Run("api-other", func(t *testing.T) {
		f := &fakeImages{err: &smithy.GenericAPIError{Code: "UnauthorizedOperation"}}
		err := verifier(f, nil).Verify(testContext(t), "eu-west-1", "ami-1")
		assert.Equal(t, CommandFailed, kindOf(t, err))
	})
	t.Run("client-failure", func(t *testing.T) {
		v := NewImageVerifierWithClient(func(context.Context, string) (ImagesAPI, error) {
			return nil, errors.New("no credentials")
		})
		err := v.Verify(testContext(t), "eu-west-1", "ami-1")
		assert.Equal(t, CommandFailed, kindOf(t, err))
	})
}
