// Package domain holds the core entity types shared across the request
// path and the ingestion worker: tenants, plugin registrations, scratch
// messages, vector entries, extraction tasks, channel requests, and the
// LLM's structured JSON output.
package domain

import (
	"time"

	"github.com/worldline-go/types"
)

// Industry is the closed set of tenant industry tags that selects an
// ingestion extraction template.
type Industry string

const (
	IndustryInsurance  Industry = "insurance"
	IndustryBanking    Industry = "banking"
	IndustryRestaurant Industry = "restaurant"
	IndustryHotel      Industry = "hotel"
	IndustryOther      Industry = "other"
)

// Channel is one of the six chat delivery channels.
type Channel string

const (
	ChannelMessenger  Channel = "messenger"
	ChannelInstagram  Channel = "instagram"
	ChannelWhatsapp   Channel = "whatsapp"
	ChannelZalo       Channel = "zalo"
	ChannelChatPlugin Channel = "chat-plugin"
	ChannelChatdemo   Channel = "chatdemo"
)

// channelSources is the fixed channel → source map; user_info.source is
// always overwritten from this, never trusted from the caller.
var channelSources = map[Channel]string{
	ChannelMessenger:  "facebook_messenger",
	ChannelInstagram:  "instagram",
	ChannelWhatsapp:   "whatsapp",
	ChannelZalo:       "zalo",
	ChannelChatPlugin: "chat_plugin",
	ChannelChatdemo:   "web_device",
}

// Source returns the fixed source string for a channel and whether the
// channel is recognized.
func (c Channel) Source() (string, bool) {
	s, ok := channelSources[c]
	return s, ok
}

// IsBackend reports whether c is one of the four platform backend
// channels (POST full response, no SSE stream).
func (c Channel) IsBackend() bool {
	switch c {
	case ChannelMessenger, ChannelInstagram, ChannelWhatsapp, ChannelZalo:
		return true
	default:
		return false
	}
}

// IsFrontend reports whether c streams SSE directly to the caller.
func (c Channel) IsFrontend() bool {
	switch c {
	case ChannelChatPlugin, ChannelChatdemo:
		return true
	default:
		return false
	}
}

// Intent is the closed set of LLM-reported conversational intents.
type Intent string

const (
	IntentInformation  Intent = "INFORMATION"
	IntentSalesInquiry Intent = "SALES_INQUIRY"
	IntentSupport      Intent = "SUPPORT"
	IntentGeneralChat  Intent = "GENERAL_CHAT"
	IntentPlaceOrder   Intent = "PLACE_ORDER"
	IntentUpdateOrder  Intent = "UPDATE_ORDER"
	IntentCheckQty     Intent = "CHECK_QUANTITY"
)

// IsOrderIntent reports whether the intent triggers the order side-effect
// engine (§4.4).
func (i Intent) IsOrderIntent() bool {
	switch i {
	case IntentPlaceOrder, IntentUpdateOrder, IntentCheckQty:
		return true
	default:
		return false
	}
}

// DataType tags a vector entry / company-context record by kind.
type DataType string

const (
	DataTypeProducts      DataType = "PRODUCTS"
	DataTypeServices      DataType = "SERVICES"
	DataTypeFAQ           DataType = "FAQ"
	DataTypeKnowledgeBase DataType = "KNOWLEDGE_BASE"
	DataTypeCompanyInfo   DataType = "COMPANY_INFO"
)

// AllDataTypes is the closed set named in §4.1 step 5 as the RAG
// should-boost scope.
var AllDataTypes = []DataType{
	DataTypeProducts,
	DataTypeServices,
	DataTypeFAQ,
	DataTypeKnowledgeBase,
	DataTypeCompanyInfo,
}

// Tenant is a logical partition of data keyed by CompanyID.
type Tenant struct {
	CompanyID string   `json:"company_id"`
	Industry  Industry `json:"industry"`
	CreatedAt time.Time `json:"created_at"`
}

// Plugin is a browser-embedded chat widget bound to a set of allowed
// origins.
type Plugin struct {
	PluginID       string   `json:"plugin_id"`
	CompanyID      string   `json:"company_id"`
	AllowedDomains []string `json:"allowed_domains"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// ScratchRole is the role of a scratch message.
type ScratchRole string

const (
	RoleUser      ScratchRole = "user"
	RoleAssistant ScratchRole = "assistant"
)

// ScratchMessage is one turn held in the conversation scratch.
type ScratchMessage struct {
	Role      ScratchRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	MessageID string      `json:"message_id,omitempty"`
}

// ScratchKey is the canonicalized composite session key (§4.7).
type ScratchKey struct {
	CompanyID string
	UserID    string
	DeviceID  string
	SessionID string
}

// String renders the key as a stable cache/lock identifier.
func (k ScratchKey) String() string {
	return k.CompanyID + "|" + k.UserID + "|" + k.DeviceID + "|" + k.SessionID
}

// VectorEntry is a stored retrieval unit: content-for-embedding text,
// the vector produced from exactly that text, and the original structured
// payload (never used for search).
type VectorEntry struct {
	PointID             string               `json:"point_id"`
	CompanyID           string               `json:"company_id"`
	DataType            DataType             `json:"data_type"`
	Language            string               `json:"language"`
	Industry            Industry             `json:"industry,omitempty"`
	FileID              types.Null[string]   `json:"file_id,omitempty"`
	ProductID           types.Null[string]   `json:"product_id,omitempty"`
	ServiceID           types.Null[string]   `json:"service_id,omitempty"`
	Tags                types.Slice[string]  `json:"tags,omitempty"`
	ContentForEmbedding string               `json:"content_for_embedding"`
	StructuredData      map[string]any       `json:"structured_data,omitempty"`
	Vector              []float32            `json:"vector"`
}

// ExtractionStatus is the state machine of an ingestion task.
type ExtractionStatus string

const (
	StatusPending    ExtractionStatus = "pending"
	StatusProcessing ExtractionStatus = "processing"
	StatusCompleted  ExtractionStatus = "completed"
	StatusFailed     ExtractionStatus = "failed"
)

// ExtractionTask is a queued ingestion job.
type ExtractionTask struct {
	TaskID        string                 `json:"task_id"`
	CompanyID     string                 `json:"company_id"`
	FileID        string                 `json:"file_id"`
	FileURL       string                 `json:"file_url"`
	Industry      Industry               `json:"industry"`
	DataType      DataType               `json:"data_type"`
	FileMetadata  map[string]any         `json:"file_metadata,omitempty"`
	CallbackURL   string                 `json:"callback_url"`
	Status        ExtractionStatus       `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	ChunksCreated int                    `json:"chunks_created,omitempty"`
	Error         types.Null[string]     `json:"error,omitempty"`
}

// UserInfo identifies the end user on a channel request. Identity is
// opaque to the core (no authentication); it is carried through for
// webhook fan-out.
type UserInfo struct {
	UserID   string `json:"user_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Source   string `json:"source,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// ChannelRequest is the inbound chat request (§3).
type ChannelRequest struct {
	Message        string    `json:"message"`
	CompanyID      string    `json:"company_id"`
	Channel        Channel   `json:"channel"`
	MessageID      string    `json:"message_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	UserInfo       UserInfo  `json:"user_info"`
	LeadSource     string    `json:"lead_source,omitempty"`
	PluginID       string    `json:"plugin_id,omitempty"`
	CustomerDomain string    `json:"customer_domain,omitempty"`
	Language       string    `json:"language,omitempty"`
	Industry       Industry  `json:"industry,omitempty"`
}

// Thinking is the LLM's private reasoning metadata, never shown to users.
type Thinking struct {
	Intent    Intent `json:"intent"`
	Persona   string `json:"persona"`
	Reasoning string `json:"reasoning"`
	Language  string `json:"language"`
}

// StructuredResponse is the expected JSON-framed LLM output (§3).
type StructuredResponse struct {
	Thinking    Thinking `json:"thinking"`
	Intent      Intent   `json:"intent"`
	Language    string   `json:"language"`
	FinalAnswer string   `json:"final_answer"`
}
