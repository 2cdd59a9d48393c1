// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// which keeps tokens and database passwords out of the file itself.
//
// The loaded Config converts into the typed configs of the packages it drives:
// see ConnectionConfig, WebsocketConfig and RedisConfig.StoreConfig.
package config
