package main

import (
	"flag"
	"log"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/milk9111/roomstream/levels"
)

func main() {
	roomName := flag.String("room", "", "start in this room instead of the saved session")
	reducedMotion := flag.Bool("reduced-motion", false, "replace fades with a short black hold")
	debugAddr := flag.String("debug-addr", "", "serve /rooms, /ws and /metrics on this address")
	sessionPath := flag.String("session", "", "session database path (default from prefabs/streaming.yaml)")
	fresh := flag.Bool("fresh", false, "discard the saved session")
	baseMonitor := flag.Bool("m", false, "use base monitor instead of primary (for multi-monitor setups)")
	flag.Parse()

	opts := Options{
		ReducedMotion: *reducedMotion,
		DebugAddr:     *debugAddr,
		SessionPath:   *sessionPath,
		Fresh:         *fresh,
	}
	if *roomName != "" {
		room, err := levels.ParseRoomID(*roomName)
		if err != nil {
			log.Fatal(err)
		}
		opts.Room = room
	}

	if *baseMonitor {
		ebiten.SetMonitor(ebiten.AppendMonitors(nil)[0])
	}

	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetWindowSize(baseWidth, baseHeight)
	ebiten.SetWindowTitle("roomstream")

	game, err := NewGame(opts)
	if err != nil {
		log.Fatal(err)
	}
	defer game.Close()

	if err := ebiten.RunGame(game); err != nil {
		log.Fatal(err)
	}
}
