package filter

// Filter answers set-membership questions for keys stored in a segment,
// letting readers skip segments that cannot contain a key.
type Filter interface {
	// Contains reports whether the key may be in the set.
	// A false return value means it is definitely absent.
	Contains(data []byte) bool

	// Bytes returns the serialized filter for embedding in a segment file.
	Bytes() []byte
}
