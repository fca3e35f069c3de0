package domain

// CredentialSource resolves one opaque credential per provider, addressed by
// its key name (e.g. "OPENAI_API_KEY"). An absent key is a warning at
// validation time and an InvalidCredential failure at call time.
type CredentialSource interface {
	Get(keyName string) (string, bool)
}
