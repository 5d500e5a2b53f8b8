package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# ticketwatch configuration

[storage]
# path = "~/.config/ticketwatch/ticketwatch.db"

[logging]
level = "info"
console = true
file = true

[coordinator]
tick_interval = "5s"
notify_workers = 4
purchase_workers = 2
dispatch_batch = 50
purchase_batch = 20

# Per-platform purchase worker override, keyed by platform name.
# [coordinator.platform_workers]
# stubhub = 2
# viagogo = 1

[matcher]
default_cooldown = "30m"

[dispatch]
quiet_hours_start = "22:00"
quiet_hours_end = "08:00"
daily_channel_limit = 50
send_timeout = "10s"

[dispatch.webhook]
enabled = false
url = ""

[dispatch.email]
enabled = false
smtp_host = ""
smtp_port = 587
username = ""
password = ""
from = ""

[dispatch.chat]
enabled = false
url = ""

[dispatch.push]
enabled = false
url = ""
api_key = ""

[dispatch.sms]
enabled = false
url = ""
api_key = ""

[purchase]
max_attempts = 3
attempt_timeout = "30s"
stuck_ceiling = "5m"
retry_base = "30s"
retry_cap = "15m"
retry_multiplier = 2.0

[feed]
url = ""
poll_timeout = "15s"

# Checkout API endpoints, one block per resale platform.
# [platforms.stubhub]
# url = "https://api.example.com/stubhub"
# api_key = ""
`

// writeTemplate creates a commented config template so a first run leaves
// something editable behind.
func writeTemplate(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	return os.WriteFile(path, []byte(configTemplate), 0644)
}
