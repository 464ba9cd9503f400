package blob

import (
	"context"
	"fmt"
	"os"
)

// Open selects a Store implementation from environment variables.
//
//	CENSUS_BLOB_DRIVER: fs|s3|memory (default fs)
//	CENSUS_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	(S3 variables documented in s3.go)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("CENSUS_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("CENSUS_BLOB_FS_ROOT"))
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
