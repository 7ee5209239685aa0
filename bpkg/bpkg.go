package bpkg

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thebinaryloop/binstash/errs"
)

// NewReleaseID generates a random release id suitable for
// ReleasePackage.ReleaseID. Callers that track their own release
// identifiers (CI build numbers, VCS tags) are not required to use it.
func NewReleaseID() string {
	return uuid.New().String()
}

// Serialize renders pkg (Version 1 or 2) into its binary wire form.
func Serialize(pkg *ReleasePackage, opts SerializeOptions) ([]byte, error) {
	switch pkg.Version {
	case 1:
		return serializeV1(pkg, opts)
	case 2:
		return serializeV2(pkg, opts)
	default:
		return nil, errs.New(errs.Unsupported, fmt.Errorf("bpkg: unsupported package version %d", pkg.Version))
	}
}

// Deserialize parses data, dispatching on the version byte in its header.
func Deserialize(data []byte) (*ReleasePackage, error) {
	r := bytes.NewReader(data)
	version, compressed, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	sections, err := readSections(r, compressed)
	if err != nil {
		return nil, err
	}
	switch version {
	case 1:
		return deserializeV1(sections, compressed)
	case 2:
		return deserializeV2(sections, compressed)
	default:
		return nil, errs.New(errs.Unsupported, fmt.Errorf("bpkg: unsupported package version %d", version))
	}
}

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
