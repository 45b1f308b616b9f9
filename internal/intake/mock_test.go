package intake

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/winejournal/labelscan/pkg/storage"
)

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (*storage.UploadResult, error) {
	args := m.Called(ctx, bucket, path, data, contentType)
	if v := args.Get(0); v != nil {
		return v.(*storage.UploadResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStorage) PublicURL(bucket, path string) string {
	return "https://abc.supabase.co/storage/v1/object/public/" + bucket + "/" + path
}
