package rooms

import (
	"net/http"
	"sort"

	"github.com/go-chi/render"
	"github.com/sarini12/collab-docs/core"
	"github.com/sirupsen/logrus"
)

// MemberCounter reports live session counts per document room.
type MemberCounter interface {
	Rooms() map[string]int
}

type RoomResponse struct {
	ID         string `json:"id"`
	Users      int    `json:"users"`
	LastActive *int64 `json:"lastActive,omitempty"`
}

// HandleList merges live membership with the room registry. The registry is
// optional; when it fails the live view is still served.
func HandleList(members MemberCounter, registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomMap := make(map[string]*RoomResponse)
		for id, count := range members.Rooms() {
			roomMap[id] = &RoomResponse{ID: id, Users: count}
		}

		if registry != nil {
			storedRooms, err := registry.ListRooms(r.Context())
			if err != nil {
				logrus.WithError(err).Warn("Failed to list rooms from registry")
			}
			for _, room := range storedRooms {
				entry, exists := roomMap[room.ID]
				if !exists {
					entry = &RoomResponse{ID: room.ID}
					roomMap[room.ID] = entry
				}
				if room.LastActive > 0 {
					lastActive := room.LastActive
					entry.LastActive = &lastActive
				}
			}
		}

		render.JSON(w, r, sortRooms(roomMap))
	}
}

func sortRooms(roomMap map[string]*RoomResponse) []RoomResponse {
	roomList := make([]RoomResponse, 0, len(roomMap))
	for _, entry := range roomMap {
		roomList = append(roomList, *entry)
	}

	lastActive := func(r RoomResponse) int64 {
		if r.LastActive == nil {
			return 0
		}
		return *r.LastActive
	}

	sort.Slice(roomList, func(i, j int) bool {
		if roomList[i].Users != roomList[j].Users {
			return roomList[i].Users > roomList[j].Users
		}
		li, lj := lastActive(roomList[i]), lastActive(roomList[j])
		if li != lj {
			return li > lj
		}
		return roomList[i].ID < roomList[j].ID
	})
	return roomList
}
