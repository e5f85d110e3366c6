package toolchain

import (
	"fmt"
	"strings"
)

// BoardProfile carries the per-board settings written into the generated
// project configuration.
type BoardProfile struct {
	Platform     string
	Board        string
	Framework    string
	MonitorSpeed int
}

// DefaultBoardType is used when a project does not name a supported board.
const DefaultBoardType = "ESP32-C3"

var boardProfiles = map[string]BoardProfile{
	"ESP32-C3": {Platform: "espressif32", Board: "esp32-c3-devkitm-1", Framework: "espidf", MonitorSpeed: 115200},
	"ESP32":    {Platform: "espressif32", Board: "esp32dev", Framework: "espidf", MonitorSpeed: 115200},
	"ESP32-S3": {Platform: "espressif32", Board: "esp32-s3-devkitc-1", Framework: "espidf", MonitorSpeed: 115200},
}

// ProfileFor resolves a board type to its profile, falling back to the
// default board for unknown types.
func ProfileFor(boardType string) (string, BoardProfile) {
	if profile, ok := boardProfiles[boardType]; ok {
		return boardType, profile
	}
	return DefaultBoardType, boardProfiles[DefaultBoardType]
}

// EnvName derives the toolchain environment name from a board type:
// lowercase with dashes removed, so "ESP32-C3" becomes "esp32c3".
func EnvName(boardType string) string {
	return strings.ReplaceAll(strings.ToLower(boardType), "-", "")
}

// ProjectConfig renders the platformio.ini contents for a board.
func ProjectConfig(boardType string) string {
	resolved, profile := ProfileFor(boardType)
	env := EnvName(resolved)
	return fmt.Sprintf(`[env:%s]
platform = %s
board = %s
framework = %s
monitor_speed = %d
`, env, profile.Platform, profile.Board, profile.Framework, profile.MonitorSpeed)
}
