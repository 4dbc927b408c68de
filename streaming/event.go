package streaming

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	EventUpdate = "update"
	EventDelete = "delete"
)

// Event is the envelope every channel carries. Payload is a string: the
// serialized status for updates, the status id for deletes.
type Event struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

func UpdateEvent(status []byte) []byte {
	b, _ := json.Marshal(Event{Event: EventUpdate, Payload: string(status)})
	return b
}

func DeleteEvent(statusId int64) []byte {
	b, _ := json.Marshal(Event{Event: EventDelete, Payload: strconv.FormatInt(statusId, 10)})
	return b
}

func TimelineChannel(accountId int64) string {
	return fmt.Sprintf("timeline:%d", accountId)
}

func MentionsChannel(accountId int64) string {
	return fmt.Sprintf("timeline:%d:mentions", accountId)
}

func ListChannel(listId int64) string {
	return fmt.Sprintf("timeline:list:%d", listId)
}

func PublicChannel(local bool) string {
	if local {
		return "timeline:public:local"
	}
	return "timeline:public"
}

func HashtagChannel(tag string, local bool) string {
	if local {
		return "timeline:hashtag:" + tag + ":local"
	}
	return "timeline:hashtag:" + tag
}
