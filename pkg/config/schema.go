package config

// schemaJSON constrains the loaded configuration: backend names are closed
// enums, limits are non-negative, and the agent id is mandatory.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agent_id", "ledger"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "ledger": {
      "type": "object",
      "required": ["backend", "path"],
      "properties": {
        "backend": {"enum": ["file", "sqlite"]},
        "path": {"type": "string", "minLength": 1},
        "signing_key_path": {"type": "string"},
        "relaxed_durability": {"type": "boolean"}
      }
    },
    "approval": {
      "type": "object",
      "properties": {
        "store": {"enum": ["", "memory", "sqlite", "redis"]},
        "path": {"type": "string"},
        "redis_addr": {"type": "string"},
        "ttl_seconds": {"type": "integer", "minimum": 0},
        "auto_approve": {"type": "boolean"}
      }
    },
    "budget": {
      "type": "object",
      "properties": {
        "backend": {"enum": ["", "memory", "sqlite", "postgres"]},
        "path": {"type": "string"},
        "postgres_dsn": {"type": "string"},
        "agent_limit": {"type": "integer", "minimum": 0},
        "tool_limit": {"type": "integer", "minimum": 0},
        "window_seconds": {"type": "integer", "minimum": 0}
      }
    },
    "verify": {
      "type": "object",
      "properties": {
        "public_key_path": {"type": "string"}
      }
    },
    "audit": {
      "type": "object",
      "properties": {
        "path": {"type": "string"}
      }
    },
    "archive": {
      "type": "object",
      "properties": {
        "backend": {"enum": ["", "s3", "gcs"]},
        "bucket": {"type": "string"},
        "prefix": {"type": "string"}
      }
    }
  }
}`
