package levels

import (
	"fmt"
	"strings"
)

// RoomID identifies a navigable room. The zero value is not a room.
type RoomID uint8

const (
	RoomNone RoomID = iota
	RoomFoyer
	RoomLibrary
	RoomGallery
	RoomObservatory
	RoomConservatory

	// RoomCount sizes per-room tables; keep it last.
	RoomCount
)

var roomNames = [RoomCount]string{
	RoomNone:         "",
	RoomFoyer:        "foyer",
	RoomLibrary:      "library",
	RoomGallery:      "gallery",
	RoomObservatory:  "observatory",
	RoomConservatory: "conservatory",
}

func (r RoomID) String() string {
	if int(r) >= len(roomNames) {
		return fmt.Sprintf("room(%d)", uint8(r))
	}
	if r == RoomNone {
		return "none"
	}
	return roomNames[r]
}

// Valid reports whether r names a real room.
func (r RoomID) Valid() bool {
	return r > RoomNone && r < RoomCount
}

// AllRooms lists every valid room in declaration order.
func AllRooms() []RoomID {
	out := make([]RoomID, 0, RoomCount-1)
	for r := RoomNone + 1; r < RoomCount; r++ {
		out = append(out, r)
	}
	return out
}

func ParseRoomID(s string) (RoomID, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name != "" {
		for r := RoomNone + 1; r < RoomCount; r++ {
			if roomNames[r] == name {
				return r, nil
			}
		}
	}
	return RoomNone, fmt.Errorf("levels: unknown room %q", s)
}

func (r RoomID) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return []byte(""), nil
	}
	return []byte(roomNames[r]), nil
}

func (r *RoomID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = RoomNone
		return nil
	}
	id, err := ParseRoomID(string(text))
	if err != nil {
		return err
	}
	*r = id
	return nil
}
