package model

import "time"

// Shop is the tenant record this pipeline operates on behalf of. The access
// token is stored encrypted (AES-256-CBC, "iv:ciphertext" hex) and decrypted
// only for the duration of a run.
type Shop struct {
	ID          string    `json:"id"` // shop domain, e.g. example.myshopify.com
	AccessToken string    `json:"accessToken"`
	InstalledAt time.Time `json:"installedAt"`
}
