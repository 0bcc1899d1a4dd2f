package testutil

// Key material for tests only.
const (
	TestPassphrase = "correct horse battery staple"
	TestSigningKey = "test-signing-key-1234567890123456"
	// TestKDFIterations keeps envelope tests fast; it is the enforced minimum.
	TestKDFIterations = 100000
)
