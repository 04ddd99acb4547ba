package models

// Role represents the author of a prompt message sent to a language model.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PromptMessage is one message of the conversation a lesson generator continues.
type PromptMessage struct {
	Role    Role
	Content string
}
