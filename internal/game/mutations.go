package game

import (
	"encoding/json"
	"fmt"
)

type MutationType string

const (
	MutationSetWorldTime         MutationType = "setWorldTime"
	MutationCreateLocation       MutationType = "createLocation"
	MutationCreateCharacter      MutationType = "createCharacter"
	MutationSetCharacterLocation MutationType = "setCharacterLocation"
	MutationSetCharacterPronouns MutationType = "setCharacterPronouns"
	MutationSetProperty          MutationType = "setProperty"
	MutationRemoveProperty       MutationType = "removeProperty"
)

// MutationTypes lists every known variant in declaration order.
var MutationTypes = []MutationType{
	MutationSetWorldTime,
	MutationCreateLocation,
	MutationCreateCharacter,
	MutationSetCharacterLocation,
	MutationSetCharacterPronouns,
	MutationSetProperty,
	MutationRemoveProperty,
}

// ProposedMutation is a change emitted by the model. Entities are addressed
// by name; only the fields of Type are meaningful.
type ProposedMutation struct {
	Type       MutationType `json:"type"`
	Time       string       `json:"time,omitempty"`
	Name       string       `json:"name,omitempty"`
	Pronouns   string       `json:"pronouns,omitempty"`
	Location   string       `json:"location,omitempty"`
	EntityType EntityType   `json:"entityType,omitempty"`
	EntityName string       `json:"entityName,omitempty"`
	Key        string       `json:"key,omitempty"`
	Value      string       `json:"value,omitempty"`
}

func (m ProposedMutation) String() string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%s{...}", m.Type)
	}
	return string(b)
}

// EntityRef is a resolved pointer to a character or location.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
	Name string     `json:"name"`
}

// AppliedMutation is the audit record of a change that was written. It is
// never edited once appended to a prompt.
type AppliedMutation struct {
	Type          MutationType
	WorldID       string
	WorldName     string
	Time          string
	LocationID    string
	LocationName  string
	CharacterID   string
	CharacterName string
	Pronouns      string
	Entity        *EntityRef
	Key           string
	Value         string
}

type (
	setWorldTimeRecord struct {
		Type      MutationType `json:"type"`
		WorldID   string       `json:"worldId"`
		WorldName string       `json:"worldName"`
		Time      string       `json:"time"`
	}
	createLocationRecord struct {
		Type         MutationType `json:"type"`
		LocationID   string       `json:"locationId"`
		LocationName string       `json:"locationName"`
	}
	createCharacterRecord struct {
		Type          MutationType `json:"type"`
		CharacterID   string       `json:"characterId"`
		CharacterName string       `json:"characterName"`
		Pronouns      string       `json:"pronouns"`
		LocationID    string       `json:"locationId"`
		LocationName  string       `json:"locationName"`
	}
	characterLocationRecord struct {
		Type          MutationType `json:"type"`
		CharacterID   string       `json:"characterId"`
		CharacterName string       `json:"characterName"`
		LocationID    string       `json:"locationId"`
		LocationName  string       `json:"locationName"`
	}
	characterPronounsRecord struct {
		Type          MutationType `json:"type"`
		CharacterID   string       `json:"characterId"`
		CharacterName string       `json:"characterName"`
		Pronouns      string       `json:"pronouns"`
	}
	setPropertyRecord struct {
		Type   MutationType `json:"type"`
		Entity *EntityRef   `json:"entity"`
		Key    string       `json:"key"`
		Value  string       `json:"value"`
	}
	removePropertyRecord struct {
		Type   MutationType `json:"type"`
		Entity *EntityRef   `json:"entity"`
		Key    string       `json:"key"`
	}
)

// MarshalJSON writes the variant-specific record shape.
func (m AppliedMutation) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MutationSetWorldTime:
		return json.Marshal(setWorldTimeRecord{m.Type, m.WorldID, m.WorldName, m.Time})
	case MutationCreateLocation:
		return json.Marshal(createLocationRecord{m.Type, m.LocationID, m.LocationName})
	case MutationCreateCharacter:
		return json.Marshal(createCharacterRecord{m.Type, m.CharacterID, m.CharacterName, m.Pronouns, m.LocationID, m.LocationName})
	case MutationSetCharacterLocation:
		return json.Marshal(characterLocationRecord{m.Type, m.CharacterID, m.CharacterName, m.LocationID, m.LocationName})
	case MutationSetCharacterPronouns:
		return json.Marshal(characterPronounsRecord{m.Type, m.CharacterID, m.CharacterName, m.Pronouns})
	case MutationSetProperty:
		return json.Marshal(setPropertyRecord{m.Type, m.Entity, m.Key, m.Value})
	case MutationRemoveProperty:
		return json.Marshal(removePropertyRecord{m.Type, m.Entity, m.Key})
	}
	return nil, fmt.Errorf("marshal applied mutation: unknown type %q", m.Type)
}

func (m *AppliedMutation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type          MutationType `json:"type"`
		WorldID       string       `json:"worldId"`
		WorldName     string       `json:"worldName"`
		Time          string       `json:"time"`
		LocationID    string       `json:"locationId"`
		LocationName  string       `json:"locationName"`
		CharacterID   string       `json:"characterId"`
		CharacterName string       `json:"characterName"`
		Pronouns      string       `json:"pronouns"`
		Entity        *EntityRef   `json:"entity"`
		Key           string       `json:"key"`
		Value         string       `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = AppliedMutation(raw)
	return nil
}
