package model

import "time"

// TokenRecord is the on-disk representation of the upstream API bearer token.
type TokenRecord struct {
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
}

// UserConfig is one entry of the users.yaml directory.
type UserConfig struct {
	OtherNames             []string      `yaml:"other_name"`
	Email                  []string      `yaml:"email"`
	EmbyURL                string        `yaml:"emby_url"`
	EmbyAPIKey             string        `yaml:"emby_api_key"`
	BarkURLs               []BarkTarget  `yaml:"bark_urls"`
	EnableEmailNotification bool         `yaml:"enable_email_notification"`
	Avatar                 string        `yaml:"avatar"`
}

// BarkTarget is one push-notification endpoint configured for a user.
type BarkTarget struct {
	Server            string `yaml:"server"`
	ClickURLTemplate  string `yaml:"click_url_template"`
}

// UsersDirectory maps canonical user name to configuration.
type UsersDirectory map[string]UserConfig
