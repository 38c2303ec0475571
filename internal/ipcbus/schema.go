package ipcbus

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// requestSchemas holds the literal JSON Schema source for every supported
// `type` discriminator.
// Each schema only constrains the shape needed to safely decode into the
// matching Go struct in types.go; business-rule checks (ownership,
// existence) happen in the handler, not here.
var requestSchemas = map[string]string{
	"memory_get":    `{"type":"object","required":["key"],"properties":{"key":{"type":"string","minLength":1}}}`,
	"memory_set":    `{"type":"object","required":["key","value"],"properties":{"key":{"type":"string","minLength":1},"value":{"type":"string"}}}`,
	"memory_delete": `{"type":"object","required":["key"],"properties":{"key":{"type":"string","minLength":1}}}`,
	"memory_list":   `{"type":"object"}`,

	"list_groups": `{"type":"object"}`,
	"run_task":    `{"type":"object","required":["task_id"],"properties":{"task_id":{"type":"string","minLength":1}}}`,

	"spawn_job": `{
		"type":"object",
		"required":["prompt"],
		"properties":{
			"prompt":{"type":"string","minLength":1},
			"chat_jid":{"type":"string"},
			"context_mode":{"type":"string"},
			"timeout_ms":{"type":"integer"},
			"max_tool_steps":{"type":"integer"},
			"tool_policy_json":{"type":"string"},
			"model_override":{"type":"string"},
			"priority":{"type":"integer"},
			"tags":{"type":"string"},
			"target_group":{"type":"string"}
		}
	}`,
	"job_status": `{"type":"object","required":["job_id"],"properties":{"job_id":{"type":"string","minLength":1}}}`,
	"list_jobs":  `{"type":"object","properties":{"target_group":{"type":"string"}}}`,
	"cancel_job": `{"type":"object","required":["job_id"],"properties":{"job_id":{"type":"string","minLength":1}}}`,
	"job_update": `{
		"type":"object",
		"required":["job_id","message"],
		"properties":{
			"job_id":{"type":"string","minLength":1},
			"level":{"type":"string"},
			"message":{"type":"string","minLength":1},
			"data_json":{"type":"string"}
		}
	}`,

	"edit_message":   `{"type":"object","required":["chat_id","message_id","text"],"properties":{"chat_id":{"type":"string"},"message_id":{"type":"string","minLength":1},"text":{"type":"string"}}}`,
	"delete_message": `{"type":"object","required":["chat_id","message_id"],"properties":{"chat_id":{"type":"string"},"message_id":{"type":"string","minLength":1}}}`,

	"send_message": `{"type":"object","required":["text"],"properties":{"chat_id":{"type":"string"},"text":{"type":"string","minLength":1},"thread_id":{"type":"string"},"reply_to_id":{"type":"string"}}}`,
	"send_document": `{"type":"object","required":["path"],"properties":{"chat_id":{"type":"string"},"path":{"type":"string","minLength":1},"caption":{"type":"string"}}}`,
	"send_photo":    `{"type":"object","required":["path"],"properties":{"chat_id":{"type":"string"},"path":{"type":"string","minLength":1},"caption":{"type":"string"}}}`,
	"send_voice":    `{"type":"object","required":["path"],"properties":{"chat_id":{"type":"string"},"path":{"type":"string","minLength":1}}}`,
	"send_audio":    `{"type":"object","required":["path"],"properties":{"chat_id":{"type":"string"},"path":{"type":"string","minLength":1},"caption":{"type":"string"}}}`,
	"send_location": `{"type":"object","required":["lat","lon"],"properties":{"chat_id":{"type":"string"},"lat":{"type":"number"},"lon":{"type":"number"}}}`,
	"send_contact": `{
		"type":"object",
		"required":["phone_number","first_name"],
		"properties":{
			"chat_id":{"type":"string"},
			"phone_number":{"type":"string","minLength":1},
			"first_name":{"type":"string","minLength":1},
			"last_name":{"type":"string"}
		}
	}`,
	"send_poll": `{
		"type":"object",
		"required":["question","options"],
		"properties":{
			"chat_id":{"type":"string"},
			"question":{"type":"string","minLength":1},
			"options":{"type":"array","items":{"type":"string"},"minItems":2},
			"multiple_answers":{"type":"boolean"}
		}
	}`,
	"send_inline_keyboard": `{
		"type":"object",
		"required":["text","buttons"],
		"properties":{
			"chat_id":{"type":"string"},
			"text":{"type":"string","minLength":1},
			"buttons":{
				"type":"array",
				"items":{"type":"array","items":{
					"type":"object",
					"required":["label","callback_data"],
					"properties":{"label":{"type":"string"},"callback_data":{"type":"string"}}
				}}
			}
		}
	}`,

	"schedule_task": `{
		"type":"object",
		"required":["prompt","schedule_type","schedule_value"],
		"properties":{
			"task_id":{"type":"string"},
			"chat_jid":{"type":"string"},
			"prompt":{"type":"string","minLength":1},
			"schedule_type":{"type":"string","enum":["cron","interval","once"]},
			"schedule_value":{"type":"string","minLength":1},
			"timezone":{"type":"string"},
			"context_mode":{"type":"string"}
		}
	}`,
	"pause_task":  `{"type":"object","required":["task_id"],"properties":{"task_id":{"type":"string","minLength":1}}}`,
	"resume_task": `{"type":"object","required":["task_id"],"properties":{"task_id":{"type":"string","minLength":1}}}`,
	"cancel_task": `{"type":"object","required":["task_id"],"properties":{"task_id":{"type":"string","minLength":1}}}`,
	"update_task": `{
		"type":"object",
		"required":["task_id"],
		"properties":{
			"task_id":{"type":"string","minLength":1},
			"prompt":{"type":"string"},
			"schedule_type":{"type":"string","enum":["cron","interval","once"]},
			"schedule_value":{"type":"string"},
			"timezone":{"type":"string"}
		}
	}`,

	"register_group": `{
		"type":"object",
		"required":["chat_id","name","folder"],
		"properties":{
			"chat_id":{"type":"string","minLength":1},
			"name":{"type":"string","minLength":1},
			"folder":{"type":"string","minLength":1},
			"trigger_pattern":{"type":"string"},
			"container_config":{"type":"string"}
		}
	}`,
	"remove_group": `{"type":"object","required":["chat_id"],"properties":{"chat_id":{"type":"string","minLength":1}}}`,
	"set_model":    `{"type":"object","required":["folder","model"],"properties":{"folder":{"type":"string","minLength":1},"model":{"type":"string"}}}`,
}

// compileSchemas compiles every entry in requestSchemas once, at Bus
// construction, grounded on internal/engine/structured.go's
// jsonschema.NewCompiler/AddResource/Compile sequence.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	for name, src := range requestSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %q: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %q: %w", name, err)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(requestSchemas))
	for name := range requestSchemas {
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		out[name] = schema
	}
	return out, nil
}
