package s3client

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// NewInMemory serves an in-memory bucket from a local gofakes3 server and
// returns a client for it. Objects are publicly readable at the server URL.
// Call the returned func to stop the server.
func NewInMemory(ctx context.Context, bucketName string) (*Client, func(), error) {
	faker := gofakes3.New(s3mem.New())
	ts := httptest.NewServer(faker.Server())

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("local-key", "local-secret", ""),
		BaseEndpoint: aws.String(ts.URL),
		UsePathStyle: true,
	})
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucketName)}); err != nil {
		ts.Close()
		return nil, nil, fmt.Errorf("create bucket %s: %w", bucketName, err)
	}
	return NewFromS3Client(client, bucketName, ts.URL+"/"+bucketName), ts.Close, nil
}

// TestClient is NewInMemory for tests; the server stops at cleanup.
func TestClient(t testing.TB, bucketName string) *Client {
	t.Helper()
	c, stop, err := NewInMemory(context.Background(), bucketName)
	if err != nil {
		t.Fatalf("in-memory s3: %v", err)
	}
	t.Cleanup(stop)
	return c
}
