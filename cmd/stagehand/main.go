// Stagehand - packet capture and replay for game protocol client testing.
//
// Stagehand records the traffic between a game client and a real server,
// turns a recording into a replayable artifact (a packet catalog plus an
// action script), and replays that artifact to any number of connecting
// clients so they can be tested without a live server.
package main

import (
	"fmt"
	"os"
)

const (
	AppName    = "Stagehand"
	AppVersion = "0.4.0"
	Banner     = `
     _                   _                     _
 ___| |_ __ _  __ _  ___| |__   __ _ _ __   __| |
/ __| __/ _' |/ _' |/ _ \ '_ \ / _' | '_ \ / _' |
\__ \ || (_| | (_| |  __/ | | | (_| | | | | (_| |
|___/\__\__,_|\__, |\___|_| |_|\__,_|_| |_|\__,_|
              |___/  v%s
 Packet capture & replay for protocol clients
`
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
