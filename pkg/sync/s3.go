package sync

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/types"
)

// S3Adapter addresses an S3-compatible bucket. It never talks to AWS
// itself; it only resolves a static access key/secret/session token
// via the default credential chain when the sink config omits one, the
// same chain resolution the teacher's cluster code uses wherever it
// needs ambient cloud credentials without a credentials file of its
// own.
type S3Adapter struct{}

func NewS3Adapter() *S3Adapter { return &S3Adapter{} }

func (a *S3Adapter) BuildRemotePath(sink types.SinkConfig, tenantID, sinkPath string) string {
	prefix := interpolateTenant(sink.Prefix, tenantID)
	return sink.Bucket + ":" + joinRemotePath(prefix, sinkPath)
}

func (a *S3Adapter) Args(sink types.SinkConfig) []string {
	args := []string{"--s3-provider", providerOrDefault(sink.Extra)}

	if sink.Region != "" {
		args = append(args, "--s3-region", sink.Region)
	}
	if sink.Endpoint != "" {
		args = append(args, "--s3-endpoint", sink.Endpoint)
	}

	if sink.AccessKey != "" {
		args = append(args, "--s3-access-key-id", sink.AccessKey, "--s3-secret-access-key", sink.SecretKey)
		return args
	}

	if creds := resolveAmbientCredentials(); creds != nil {
		args = append(args, "--s3-access-key-id", creds.Value.AccessKeyID, "--s3-secret-access-key", creds.Value.SecretAccessKey)
		if creds.Value.SessionToken != "" {
			args = append(args, "--s3-session-token", creds.Value.SessionToken)
		}
	}
	return args
}

func providerOrDefault(extra map[string]string) string {
	if v, ok := extra["provider"]; ok && v != "" {
		return v
	}
	return "AWS"
}

// resolveAmbientCredentials loads the process's default AWS credential
// chain (environment, shared config, instance role) purely to extract
// a static key pair for the sync subprocess's flags. A resolution
// failure is not fatal: the subprocess is still launched and may pick
// up credentials itself via its own environment.
func resolveAmbientCredentials() *credentials.StaticCredentialsProvider {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.WithComponent("sync-s3").Debug().Err(err).Msg("no ambient AWS credentials resolved")
		return nil
	}

	static := credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
	return &static
}
