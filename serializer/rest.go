package serializer

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/deemkeen/mammut/domain"
)

// Account is the client-facing rendering of an account.
type Account struct {
	Id          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	Note        string `json:"note"`
	URL         string `json:"url"`
	Locked      bool   `json:"locked"`
}

type Mention struct {
	Id string `json:"id"`
}

type Tag struct {
	Name string `json:"name"`
}

// Status is the client-facing rendering of a status, the payload of
// "update" stream events.
type Status struct {
	Id                 string    `json:"id"`
	URI                string    `json:"uri"`
	URL                string    `json:"url"`
	Account            *Account  `json:"account"`
	InReplyToId        *string   `json:"in_reply_to_id"`
	InReplyToAccountId *string   `json:"in_reply_to_account_id"`
	Reblog             *Status   `json:"reblog"`
	Content            string    `json:"content"`
	CreatedAt          string    `json:"created_at"`
	Sensitive          bool      `json:"sensitive"`
	SpoilerText        string    `json:"spoiler_text"`
	Visibility         string    `json:"visibility"`
	Mentions           []Mention `json:"mentions"`
	Tags               []Tag     `json:"tags"`
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

func optionalId(id int64) *string {
	if id == 0 {
		return nil
	}
	s := idString(id)
	return &s
}

func NewAccount(acc *domain.Account) *Account {
	if acc == nil {
		return nil
	}
	return &Account{
		Id:          idString(acc.Id),
		Username:    acc.Username,
		Acct:        acc.Acct(),
		DisplayName: acc.DisplayName,
		Note:        acc.Note,
		URL:         acc.URL,
		Locked:      acc.Locked,
	}
}

func NewStatus(s *domain.Status) *Status {
	out := &Status{
		Id:                 idString(s.Id),
		URI:                s.URI,
		URL:                s.URL,
		Account:            NewAccount(s.Account),
		InReplyToId:        optionalId(s.InReplyToId),
		InReplyToAccountId: optionalId(s.InReplyToAccountId),
		Content:            s.Text,
		CreatedAt:          s.CreatedAt.UTC().Format(time.RFC3339),
		Sensitive:          s.Sensitive,
		SpoilerText:        s.SpoilerText,
		Visibility:         string(s.Visibility),
		Mentions:           make([]Mention, 0, len(s.Mentions)),
		Tags:               make([]Tag, 0, len(s.Tags)),
	}
	for _, id := range s.Mentions {
		out.Mentions = append(out.Mentions, Mention{Id: idString(id)})
	}
	for _, name := range s.Tags {
		out.Tags = append(out.Tags, Tag{Name: name})
	}
	if s.IsReblog() && s.Reblog != nil {
		out.Reblog = NewStatus(s.Reblog)
	}
	return out
}

// RenderStatus returns the JSON form of s.
func RenderStatus(s *domain.Status) ([]byte, error) {
	return json.Marshal(NewStatus(s))
}
