// ssh implements a facade over the 'x/crypto/ssh' and 'pkg/sftp' packages,
// simplifying the following workflows:
//   - private key loading and parsing
//   - SSH client construction with separate dial and handshake failures
//   - SFTP sessions for listing and reading remote files
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh
