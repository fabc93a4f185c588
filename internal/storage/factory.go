package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/cloudfs/internal/storage/local"
	s3store "github.com/fruitsalade/cloudfs/internal/storage/s3"
	"github.com/fruitsalade/cloudfs/internal/storage/smb"
)

// NewFromConfig creates an ObjectStore from a type string and JSON config.
func NewFromConfig(ctx context.Context, storeType string, config json.RawMessage) (ObjectStore, error) {
	switch storeType {
	case "s3":
		return s3store.NewFromJSON(ctx, config)
	case "local":
		return local.NewFromJSON(config)
	case "smb":
		return smb.NewFromJSON(config)
	default:
		return nil, fmt.Errorf("unknown object store type: %s", storeType)
	}
}
