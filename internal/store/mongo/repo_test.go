package mongo

import (
	"context"
	"os"
	"testing"

	"classattend/internal/store/storetest"
)

func TestRepository(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	repo, err := Connect(context.Background(), uri, "classattend_test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer repo.Close()

	storetest.Run(t, repo)
}
