package models

import "time"

// Message is a durable chat message. The ID is assigned by the store on
// create and never changes; clients may only hold placeholder ids for
// entries that have not reached the store yet.
type Message struct {
	ID        string    `json:"id" bson:"_id"`
	ChatID    string    `json:"chatId" bson:"chat_id"`
	SenderID  string    `json:"senderId" bson:"sender_id"`
	Content   string    `json:"content,omitempty" bson:"content,omitempty"`
	MediaURL  string    `json:"mediaUrl,omitempty" bson:"media_url,omitempty"`
	MediaMime string    `json:"mediaMime,omitempty" bson:"media_mime,omitempty"`
	MediaSize int64     `json:"mediaSize,omitempty" bson:"media_size,omitempty"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	Edited    bool      `json:"edited,omitempty" bson:"edited,omitempty"`
}

// Chat is a group conversation. Participants is the roster: the identities
// allowed to join the room. Runtime membership (which connections are
// subscribed) is not persisted.
type Chat struct {
	ID           string    `json:"id" bson:"_id"`
	Name         string    `json:"name,omitempty" bson:"name,omitempty"`
	Participants []string  `json:"participants" bson:"participants"`
	CreatedAt    time.Time `json:"createdAt" bson:"created_at"`
}

func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
