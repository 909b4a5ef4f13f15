package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`devrelay - WebSocket relay for device fleets

Usage:
  devrelay server [flags]                       Start the relay
  devrelay apikey create --name NAME            Create a management API key
  devrelay apikey list [--all]                  List management API keys
  devrelay apikey revoke --id=ID                Revoke a management API key
  devrelay apikey rotate-device --endpoint=ID   Issue a new device key for an endpoint
  devrelay user create --name NAME              Create a user
  devrelay user ban --id=ID [--reason R]        Ban a user and evict its devices
  devrelay user unban --id=ID                   Lift a ban
  devrelay endpoint create --user=ID --name N   Create an endpoint and print its device key
                           [--mode JSON] [--header H]
  devrelay endpoint list [--user=ID]            List endpoints
  devrelay endpoint mode --id=ID --mode M       Change the stored forwarding mode
  devrelay endpoint disable --id=ID             Disable an endpoint and evict its devices
  devrelay endpoint enable --id=ID              Re-enable an endpoint
  devrelay group create --user=ID --name N      Create a device group
  devrelay group add --id=ID EP/DEV...          Add devices to a group
  devrelay group remove --id=ID EP/DEV...       Remove devices from a group
  devrelay group list --id=ID                   List group members
  devrelay version                              Print version
  devrelay help                                 Show this help

Devices connect with:
  wss://HOST/v1/endpoints/{endpoint}/connect?device={device}
  Authorization: Bearer <device_key>

Environment Variables:
  DEVRELAY_LISTEN           Listen address (default: :8080)
  DEVRELAY_TLS_MODE         TLS mode: off|static|auto (default: off)
  DEVRELAY_DOMAIN           Public host name for ACME certificates
  DEVRELAY_DB_PATH          SQLite database path (default: ./devrelay.db)
  DEVRELAY_REDIS_URL        Redis URL for cross-instance revocation events
  DEVRELAY_LOG_LEVEL        Log level: debug|info|warn|error (default: info)
  DEVRELAY_LOG_FILE         Rotated log file (optional)
  DEVRELAY_CONFIG           YAML config file (optional)

Values from ./.env are loaded for DEVRELAY_* keys not already set.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("devrelay", Version)
}
