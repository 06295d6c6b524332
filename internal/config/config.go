package config

import "github.com/spf13/viper"

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for Dispatch.
type Config struct {
	StorePath      string
	WorkspacesRoot string

	ListenAddress string
	ListenPort    int
	TLSCert       string
	TLSKey        string
	AuthToken     string

	AdapterStartTimeoutMs int
	CloseGraceMs          int
	PreStartBufferBytes   int
	SubscriberWindowBytes int

	TitleModel string
	Titling    bool
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/dispatch).
func Load() Config {
	return Config{
		StorePath:      viper.GetString("store_path"),
		WorkspacesRoot: viper.GetString("workspaces_root"),

		ListenAddress: viper.GetString("listen_address"),
		ListenPort:    viper.GetInt("listen_port"),
		TLSCert:       viper.GetString("tls_cert"),
		TLSKey:        viper.GetString("tls_key"),
		AuthToken:     viper.GetString("auth_token"),

		AdapterStartTimeoutMs: viper.GetInt("adapter_start_timeout_ms"),
		CloseGraceMs:          viper.GetInt("close_grace_ms"),
		PreStartBufferBytes:   viper.GetInt("pre_start_buffer_bytes"),
		SubscriberWindowBytes: viper.GetInt("subscriber_window_bytes"),

		TitleModel: viper.GetString("title_model"),
		Titling:    viper.GetBool("titling"),
	}
}
