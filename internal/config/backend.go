package config

// ConfigBackend abstracts persistent config storage for non-secret keys.
// Secrets only ever come from the environment or a .env file.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
