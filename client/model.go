package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Key identifies a logical collection or object in the cache store.
type Key string

const (
	KeyStaff         Key = "staff"
	KeyStudents      Key = "students"
	KeyRecords       Key = "records"
	KeyOrganizations Key = "organizations"
	KeyAnnouncements Key = "announcements"
	KeyEvents        Key = "events"
	KeyPeers         Key = "peers"
)

// KnownKeys returns the fixed key set the store is seeded with.
// KeyStaff is the identity entry and starts absent.
func KnownKeys() []Key {
	return []Key{
		KeyStaff,
		KeyStudents,
		KeyRecords,
		KeyOrganizations,
		KeyAnnouncements,
		KeyEvents,
		KeyPeers,
	}
}

// ErrPlaceholder rejects actions on locally synthesized stand-in
// entities that are still waiting for authoritative server data.
var ErrPlaceholder = errors.New("entity is a placeholder awaiting server data")

var ErrNotFound = errors.New("entity not found")

// EntityId is a server-assigned id. The server emits ids as either a
// JSON number or a JSON string depending on the resource, so the codec
// accepts both and renders the id as a string.
type EntityId string

func (self EntityId) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(self))
}

func (self *EntityId) UnmarshalJSON(src []byte) error {
	if len(src) == 0 || string(src) == "null" {
		*self = ""
		return nil
	}
	if src[0] == '"' {
		var idStr string
		if err := json.Unmarshal(src, &idStr); err != nil {
			return err
		}
		*self = EntityId(idStr)
		return nil
	}
	var idNumber json.Number
	if err := json.Unmarshal(src, &idNumber); err != nil {
		return fmt.Errorf("cannot parse entity id %s", string(src))
	}
	*self = EntityId(idNumber.String())
	return nil
}

// Entity is any domain object held in the cache store.
type Entity interface {
	EntityId() EntityId
	IsPlaceholder() bool
}

type Name struct {
	First  string `json:"first"`
	Middle string `json:"middle"`
	Last   string `json:"last"`
}

func (self Name) String() string {
	if self.Middle == "" {
		return fmt.Sprintf("%s %s", self.First, self.Last)
	}
	return fmt.Sprintf("%s %s %s", self.First, self.Middle, self.Last)
}

// Staff is the signed-in identity stored under KeyStaff,
// and also the shape of entries under KeyPeers.
type Staff struct {
	Id             EntityId `json:"id"`
	Name           string   `json:"name"`
	Email          string   `json:"email"`
	Role           string   `json:"role"`
	ProfilePicture string   `json:"profilePicture,omitempty"`
	Status         string   `json:"status,omitempty"`
	Placeholder    bool     `json:"placeholder,omitempty"`
}

func (self *Staff) EntityId() EntityId {
	return self.Id
}

func (self *Staff) IsPlaceholder() bool {
	return self.Placeholder
}

type Student struct {
	Id             EntityId `json:"id"`
	Name           Name     `json:"name"`
	Email          string   `json:"email"`
	Phone          string   `json:"phone,omitempty"`
	StudentId      string   `json:"studentId"`
	Institute      string   `json:"institute,omitempty"`
	Program        string   `json:"program,omitempty"`
	Year           int      `json:"year,omitempty"`
	ProfilePicture string   `json:"profilePicture,omitempty"`
	Status         string   `json:"status,omitempty"`
	Placeholder    bool     `json:"placeholder,omitempty"`
}

func (self *Student) EntityId() EntityId {
	return self.Id
}

func (self *Student) IsPlaceholder() bool {
	return self.Placeholder
}

type RecordTags struct {
	Status   string `json:"status"`
	Severity string `json:"severity"`
	// spelling matches the server contract
	Occurances int `json:"occurances,omitempty"`
}

// Record is a discipline case record.
type Record struct {
	Id           EntityId   `json:"id"`
	RecordId     string     `json:"recordId"`
	Violation    string     `json:"violation"`
	Description  string     `json:"description,omitempty"`
	Tags         RecordTags `json:"tags"`
	Complainants []*Student `json:"complainants,omitempty"`
	Complainees  []*Student `json:"complainees,omitempty"`
	Date         time.Time  `json:"date"`
	Placeholder  bool       `json:"placeholder,omitempty"`
}

func (self *Record) EntityId() EntityId {
	return self.Id
}

func (self *Record) IsPlaceholder() bool {
	return self.Placeholder
}

type Organization struct {
	Id          EntityId   `json:"id"`
	ShortName   string     `json:"shortName"`
	FullName    string     `json:"fullName"`
	Description string     `json:"description,omitempty"`
	Email       string     `json:"email,omitempty"`
	Logo        string     `json:"logo,omitempty"`
	Cover       string     `json:"cover,omitempty"`
	Status      string     `json:"status,omitempty"`
	Type        string     `json:"type,omitempty"`
	Members     []*Student `json:"members,omitempty"`
	Placeholder bool       `json:"placeholder,omitempty"`
}

func (self *Organization) EntityId() EntityId {
	return self.Id
}

func (self *Organization) IsPlaceholder() bool {
	return self.Placeholder
}

type AnnouncementAuthor struct {
	// "staff" or "student"
	Type string          `json:"type"`
	User json.RawMessage `json:"user,omitempty"`
}

type Announcement struct {
	Id          EntityId              `json:"id"`
	Title       string                `json:"title"`
	Description string                `json:"description,omitempty"`
	Cover       string                `json:"cover,omitempty"`
	Content     string                `json:"content,omitempty"`
	Date        time.Time             `json:"date"`
	Authors     []*AnnouncementAuthor `json:"authors,omitempty"`
	Archived    bool                  `json:"archived,omitempty"`
	Placeholder bool                  `json:"placeholder,omitempty"`
}

func (self *Announcement) EntityId() EntityId {
	return self.Id
}

func (self *Announcement) IsPlaceholder() bool {
	return self.Placeholder
}

// Event is a dashboard feed entry. Content is type-dependent
// ("disciplinary" carries a record, "announcement" an announcement ref)
// and is decoded lazily by the consumer.
type Event struct {
	Id          EntityId        `json:"id"`
	Type        string          `json:"type"`
	Content     json.RawMessage `json:"content,omitempty"`
	Placeholder bool            `json:"placeholder,omitempty"`
}

func (self *Event) EntityId() EntityId {
	return self.Id
}

func (self *Event) IsPlaceholder() bool {
	return self.Placeholder
}

// GenericItem is the default fetch projection target when the caller
// does not supply a typed transform. It keeps the raw body of the item
// so a consumer can decode it later.
type GenericItem struct {
	Id          EntityId
	Placeholder bool
	Raw         json.RawMessage
}

func (self *GenericItem) UnmarshalJSON(src []byte) error {
	var head struct {
		Id          EntityId `json:"id"`
		Placeholder bool     `json:"placeholder"`
	}
	if err := json.Unmarshal(src, &head); err != nil {
		return err
	}
	self.Id = head.Id
	self.Placeholder = head.Placeholder
	self.Raw = append(json.RawMessage{}, src...)
	return nil
}

func (self *GenericItem) MarshalJSON() ([]byte, error) {
	if self.Raw != nil {
		return self.Raw, nil
	}
	return json.Marshal(map[string]any{
		"id":          self.Id,
		"placeholder": self.Placeholder,
	})
}

func (self *GenericItem) EntityId() EntityId {
	return self.Id
}

func (self *GenericItem) IsPlaceholder() bool {
	return self.Placeholder
}
