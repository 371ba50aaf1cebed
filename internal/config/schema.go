package config

// configSchema is the strict validation schema for agent.json. Unknown
// top-level keys are rejected; nested sections list their recognized
// fields the same way.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "model": {"type": "string"},
    "temperature": {"type": "number", "minimum": 0, "maximum": 2},
    "maxTokens": {"type": "integer", "minimum": 1},
    "maxIterations": {"type": "integer", "minimum": 1},
    "systemPrompt": {"type": "string"},
    "apiKey": {"type": "string"},
    "baseURL": {"type": "string"},
    "provider": {"type": "string", "enum": ["openai", "anthropic"]},
    "skill": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "dir": {"type": "string"},
        "watch": {"type": "boolean"},
        "watchDebounceMs": {"type": "integer", "minimum": 0}
      }
    },
    "mcp": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "required": ["command"],
        "properties": {
          "command": {"type": "string"},
          "args": {"type": "array", "items": {"type": "string"}},
          "env": {"type": "object", "additionalProperties": {"type": "string"}},
          "filter": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "memory": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "path": {"type": "string"},
        "dimension": {"type": "integer", "minimum": 1},
        "maxContextTokens": {"type": "integer", "minimum": 1},
        "softThresholdTokens": {"type": "integer", "minimum": 1},
        "hardThresholdTokens": {"type": "integer", "minimum": 1},
        "reserveTokens": {"type": "integer", "minimum": 0}
      }
    },
    "knowledge": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "topK": {"type": "integer", "minimum": 1},
        "minScore": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "permission": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["toolPattern", "level"],
            "properties": {
              "toolPattern": {"type": "string"},
              "level": {"type": "string", "enum": ["allow", "confirm", "deny"]}
            }
          }
        },
        "categoryDefaults": {
          "type": "object",
          "additionalProperties": {"type": "string", "enum": ["allow", "confirm", "deny"]}
        },
        "defaultLevel": {"type": "string", "enum": ["allow", "confirm", "deny"]},
        "sessionMemory": {"type": "boolean"}
      }
    },
    "security": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "audit": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "output": {"type": "string"},
            "format": {"type": "string", "enum": ["json", "text"]},
            "includeToolInput": {"type": "boolean"},
            "includeToolOutput": {"type": "boolean"}
          }
        },
        "guardrail": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "blockThreshold": {"type": "string", "enum": ["warn", "block", "critical"]}
          }
        }
      }
    }
  }
}`
