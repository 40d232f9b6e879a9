package models

// EntityType names a soft-deletable entity.
type EntityType string

const (
	EntityDocument       EntityType = "document"
	EntityConversation   EntityType = "conversation"
	EntityGeneratedImage EntityType = "generated_image"
	EntityMessageImage   EntityType = "message_image"
	EntityAudioJob       EntityType = "audio_job"
	EntityAPIKey         EntityType = "api_key"
	EntityUser           EntityType = "user"
)

var entityTypes = []EntityType{
	EntityDocument,
	EntityConversation,
	EntityGeneratedImage,
	EntityMessageImage,
	EntityAudioJob,
	EntityAPIKey,
	EntityUser,
}

func (e EntityType) Valid() bool {
	for _, known := range entityTypes {
		if e == known {
			return true
		}
	}
	return false
}

// EntityTypes lists every soft-deletable entity type.
func EntityTypes() []EntityType {
	out := make([]EntityType, len(entityTypes))
	copy(out, entityTypes)
	return out
}
