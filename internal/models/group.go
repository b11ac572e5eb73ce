package models

// Audience controls who may perform a group action.
type Audience string

const (
	AudienceEveryone   Audience = "everyone"
	AudienceAdminsOnly Audience = "admins_only"
)

// Valid reports whether a is a known audience.
func (a Audience) Valid() bool {
	return a == AudienceEveryone || a == AudienceAdminsOnly
}

// GroupSettings is owned by exactly one group thread.
type GroupSettings struct {
	WhoCanSend           Audience `json:"who_can_send"`
	WhoCanAddMembers     Audience `json:"who_can_add_members"`
	WhoCanEditInfo       Audience `json:"who_can_edit_info"`
	WhoCanRemoveMembers  Audience `json:"who_can_remove_members"`
	AllowMemberInvites   bool     `json:"allow_member_invites"`
	InviteLinkEnabled    bool     `json:"invite_link_enabled"`
	InviteToken          string   `json:"invite_token,omitempty"`
	DisappearingMessages bool     `json:"disappearing_messages"`
	NotifyOnJoin         bool     `json:"notify_on_join"`
	NotifyOnLeave        bool     `json:"notify_on_leave"`
}

// DefaultGroupSettings mirrors what a freshly created group starts with.
func DefaultGroupSettings() GroupSettings {
	return GroupSettings{
		WhoCanSend:          AudienceEveryone,
		WhoCanAddMembers:    AudienceAdminsOnly,
		WhoCanEditInfo:      AudienceAdminsOnly,
		WhoCanRemoveMembers: AudienceAdminsOnly,
		AllowMemberInvites:  true,
		NotifyOnJoin:        true,
		NotifyOnLeave:       true,
	}
}

// Normalize fills empty audiences with defaults.
func (s GroupSettings) Normalize() GroupSettings {
	def := DefaultGroupSettings()
	if s.WhoCanSend == "" {
		s.WhoCanSend = def.WhoCanSend
	}
	if s.WhoCanAddMembers == "" {
		s.WhoCanAddMembers = def.WhoCanAddMembers
	}
	if s.WhoCanEditInfo == "" {
		s.WhoCanEditInfo = def.WhoCanEditInfo
	}
	if s.WhoCanRemoveMembers == "" {
		s.WhoCanRemoveMembers = def.WhoCanRemoveMembers
	}
	return s
}

// Validate checks every audience field.
func (s GroupSettings) Validate() bool {
	return s.WhoCanSend.Valid() && s.WhoCanAddMembers.Valid() &&
		s.WhoCanEditInfo.Valid() && s.WhoCanRemoveMembers.Valid()
}

// GroupInfo holds the descriptive metadata and settings of a group thread.
type GroupInfo struct {
	Name        string        `json:"name"`
	Avatar      string        `json:"avatar,omitempty"`
	Description string        `json:"description,omitempty"`
	Settings    GroupSettings `json:"settings"`
}
