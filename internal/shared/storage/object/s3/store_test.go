package s3

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestApplyPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{name: "no prefix", prefix: "", key: "analyses/r1/chunk-0.txt", want: "analyses/r1/chunk-0.txt"},
		{name: "simple prefix", prefix: "retro", key: "analyses/r1", want: "retro/analyses/r1"},
		{name: "prefix slashes", prefix: "/retro/", key: "/analyses/r1", want: "retro/analyses/r1"},
		{name: "empty key", prefix: "retro", key: "", want: "retro"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := applyPrefix(tt.prefix, tt.key); got != tt.want {
				t.Fatalf("applyPrefix(%q, %q) = %q, want %q", tt.prefix, tt.key, got, tt.want)
			}
		})
	}
}

func TestApplyEncryption(t *testing.T) {
	in := &s3.PutObjectInput{}
	applyEncryption(in, "")
	if in.ServerSideEncryption != s3types.ServerSideEncryptionAes256 || in.SSEKMSKeyId != nil {
		t.Fatalf("expected AES256 default, got %+v", in.ServerSideEncryption)
	}

	in = &s3.PutObjectInput{}
	applyEncryption(in, "key-1")
	if in.ServerSideEncryption != s3types.ServerSideEncryptionAwsKms || aws.ToString(in.SSEKMSKeyId) != "key-1" {
		t.Fatalf("expected KMS encryption, got %+v", in.ServerSideEncryption)
	}
}
