package outbox

const sessionStartedSchema = `{
  "type": "object",
  "title": "SessionStarted",
  "properties": {
    "session_id": {"type": "string"},
    "account_id": {"type": "string"},
    "profile_id": {"type": "string"},
    "video_id": {"type": "string"},
    "token_id": {"type": "string"},
    "started_at": {"type": "string", "format": "date-time"}
  },
  "required": ["session_id", "account_id", "profile_id", "video_id", "started_at"],
  "additionalProperties": false
}`

const sessionEndedSchema = `{
  "type": "object",
  "title": "SessionEnded",
  "properties": {
    "session_id": {"type": "string"},
    "account_id": {"type": "string"},
    "profile_id": {"type": "string"},
    "video_id": {"type": "string"},
    "ended_at": {"type": "string", "format": "date-time"},
    "duration_seconds": {"type": "integer"},
    "stop_reason": {"type": "string"}
  },
  "required": ["session_id", "account_id", "profile_id", "video_id", "ended_at", "duration_seconds", "stop_reason"],
  "additionalProperties": false
}`

const usageIncrementedSchema = `{
  "type": "object",
  "title": "UsageIncremented",
  "properties": {
    "account_id": {"type": "string"},
    "profile_id": {"type": "string"},
    "session_id": {"type": "string"},
    "usage_date": {"type": "string", "format": "date"},
    "minutes": {"type": "integer"}
  },
  "required": ["account_id", "profile_id", "session_id", "usage_date", "minutes"],
  "additionalProperties": false
}`
