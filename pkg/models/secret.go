package models

// EncryptedSecretPayload is the on-disk envelope for the encrypted-file
// secret backend: {v, salt, nonce, ciphertext, tag}, each binary field
// base64-encoded.
type EncryptedSecretPayload struct {
	V          int    `json:"v"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}
