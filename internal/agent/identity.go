package agent

import (
	"os"
	"strings"

	"github.com/autopeer-io/linkup/pkg/log"
)

// ThingNameEnv names the environment variable checked by DiscoverThingName.
const ThingNameEnv = "LINKUP_THING_NAME"

// thingNameFile is written by the provisioning service.
var thingNameFile = "/etc/linkup/thing-name"

// DiscoverThingName looks up the device identity left by provisioning: the
// LINKUP_THING_NAME environment variable first, then the thing-name file.
// It returns "" when neither is present.
func DiscoverThingName() string {
	if id := strings.TrimSpace(os.Getenv(ThingNameEnv)); id != "" {
		log.Info("Thing name detected from env", "thingName", id)
		return id
	}

	if content, err := os.ReadFile(thingNameFile); err == nil {
		if id := strings.TrimSpace(string(content)); id != "" {
			log.Info("Thing name detected from file", "thingName", id, "path", thingNameFile)
			return id
		}
	}

	return ""
}
