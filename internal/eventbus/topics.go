package eventbus

// Well-known topics for the outbound event interface. A handle is whatever
// opaque token the datastore assigned to an entry.

func TopicDeviceState() Topic             { return T("device", "state") }
func TopicSessionLost() Topic             { return T("device", "session_lost") }
func TopicLinkError() Topic               { return T("device", "link_error") }
func TopicDeviceInfo() Topic              { return T("device", "info") }
func TopicEntryValue(handle Token) Topic  { return T("entry", handle, "value") }
func TopicEntryValueAll() Topic           { return T("entry", "+", "value") }

// Command topics for the inbound API interface. Each expects a Request
// message carrying the matching internal/api payload type and replies on
// the message's ReplyTo topic with an api.Outcome.

func TopicAPIWatch() Topic         { return T("api", "watch") }
func TopicAPIUnwatch() Topic       { return T("api", "unwatch") }
func TopicAPIWriteValue() Topic    { return T("api", "write") }
func TopicAPIReadMemory() Topic    { return T("api", "read_memory") }
func TopicAPIWriteMemory() Topic   { return T("api", "write_memory") }
func TopicAPIUserCommand() Topic   { return T("api", "user_command") }
func TopicAPIDeviceInfo() Topic    { return T("api", "device_info") }
func TopicAPIConfigureLink() Topic { return T("api", "configure_link") }
