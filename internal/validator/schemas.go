package validator

const appSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "app.json",
  "title": "Agent App",
  "type": "object",
  "required": ["name", "flowDefinition"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "version": {"type": "string"},
    "flowDefinition": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/node"}
    },
    "guardrails": {
      "type": "array",
      "items": {"$ref": "#/$defs/guardrail"}
    },
    "createdBy": {"type": "string"}
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {
          "type": "string",
          "enum": ["start", "agent", "connector", "condition", "parallel", "merge", "memory", "transform"]
        },
        "name": {"type": "string"},
        "config": {"type": "object"},
        "inputs": {"type": "array", "items": {"type": "string"}},
        "outputs": {"type": "array", "items": {"type": "string"}},
        "conditions": {
          "type": "array",
          "items": {"$ref": "#/$defs/condition"}
        },
        "timeout": {"type": "string", "pattern": "^[0-9]+(ms|s|m|h)$"},
        "retry": {
          "type": "object",
          "required": ["maxRetries"],
          "properties": {
            "maxRetries": {"type": "integer", "minimum": 0, "maximum": 10},
            "backoffMs": {"type": "integer", "minimum": 0},
            "maxBackoffMs": {"type": "integer", "minimum": 0}
          }
        }
      }
    },
    "condition": {
      "type": "object",
      "properties": {
        "field": {"type": "string"},
        "operator": {"type": "string", "enum": ["==", "!=", ">", "<", "contains", "exists"]},
        "value": {},
        "nextNode": {"type": "string"},
        "expression": {"type": "string"}
      },
      "anyOf": [
        {"required": ["field", "operator"]},
        {"required": ["expression"]}
      ]
    },
    "guardrail": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["input_validation", "rate_limit", "content_safety", "data_privacy"]
        },
        "config": {"type": "object"},
        "enabled": {"type": "boolean"}
      }
    }
  }
}`

const agentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "agent.json",
  "title": "Agent",
  "type": "object",
  "required": ["id", "name", "version"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z][a-z0-9._-]*$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+"},
    "runtime": {"type": "string", "enum": ["http", "subprocess", "k8s"]},
    "endpoint": {"type": "string"},
    "image": {"type": "string"},
    "command": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "description": {"type": "string"},
    "author": {"type": "string"},
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`
