package blob

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	t.Setenv("PERSISTCTX_BLOB_DRIVER", "memory")
	s, err := Open(ctx)
	if err != nil || s.Driver() != DriverMemory {
		t.Fatalf("expected memory store, got %v err=%v", s, err)
	}

	t.Setenv("PERSISTCTX_BLOB_DRIVER", "")
	t.Setenv("PERSISTCTX_BLOB_FS_ROOT", filepath.Join(t.TempDir(), "root"))
	s, err = Open(ctx)
	if err != nil || s.Driver() != DriverFilesystem {
		t.Fatalf("expected default fs store, got %v err=%v", s, err)
	}

	t.Setenv("PERSISTCTX_BLOB_DRIVER", "s3")
	t.Setenv("PERSISTCTX_BLOB_S3_BUCKET", "")
	if s, err := Open(ctx); err == nil || s != nil {
		t.Fatalf("expected s3 config error with nil store, got %v %v", s, err)
	}

	t.Setenv("PERSISTCTX_BLOB_DRIVER", "gcs")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
