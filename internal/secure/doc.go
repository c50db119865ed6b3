// Package secure keeps secret values encrypted while they sit in memory.
//
// A Value wraps a memguard enclave: the plaintext is sealed with
// XSalsa20Poly1305 on creation and only decrypted into a locked buffer for
// the duration of Reveal.
//
//	v := secure.Seal("s3cr3t")
//	plain, err := v.Reveal()
//
// Empty values are not sealed; Reveal returns "" for them.
//
// Sealing protects against core dumps and swap. It does not protect against
// an attacker that can read the memory of the running process.
package secure
