// Package upload stages completed recording sessions as files and transfers
// them to the configured remote endpoint (FTP, S3-compatible object storage
// or HTTP PUT), retrying transient failures with exponential backoff and
// applying the retention policy to the staged file afterwards.
package upload
