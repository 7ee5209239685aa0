package bpkg

// SerializeOptions controls Serialize's output.
type SerializeOptions struct {
	// EnableCompression zstd-compresses every section payload. Defaults to
	// true via DefaultSerializeOptions.
	EnableCompression bool
	// CompressionLevel is a zstd compression level (1-22-ish, matching
	// packfile's convention); meaningless when EnableCompression is false.
	CompressionLevel int
}

// DefaultSerializeOptions matches the engine's default pack compression
// level.
func DefaultSerializeOptions() SerializeOptions {
	return SerializeOptions{EnableCompression: true, CompressionLevel: 3}
}
