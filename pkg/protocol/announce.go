package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Announcement is the structured payload carried by PeerAnnouncement and
// PeerDiscovery messages: UTF-8 JSON with an explicit schema. Unknown
// fields sent by newer peers are ignored on decode.
type Announcement struct {
	Nickname  string `json:"nickname"`
	Timestamp int64  `json:"timestamp"`
}

// NewAnnouncement builds an announcement for the local node, stamped now.
func NewAnnouncement(nickname string) Announcement {
	return Announcement{
		Nickname:  nickname,
		Timestamp: time.Now().Unix(),
	}
}

// Marshal serialises the announcement for use as a message payload.
func (a Announcement) Marshal() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal announcement: %w", err)
	}
	return data, nil
}

// ParseAnnouncement decodes an announcement payload.
func ParseAnnouncement(payload []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		return Announcement{}, fmt.Errorf("protocol: parse announcement: %w", err)
	}
	return a, nil
}
