package mcp

// DefaultTools is the hub's built-in tool map. The hub normally learns this
// from the servers at startup; the static map keeps the pipeline usable when
// a server is slow to come up, and doubles as the allowlist used to drop
// hallucinated tool names.
func DefaultTools() []Tool {
	obj := func(required ...string) Schema {
		return Schema{Type: "object", Required: required}
	}
	return []Tool{
		{Name: "memory_save", Server: "memory", InputSchema: obj("text")},
		{Name: "memory_fact_save", Server: "memory", InputSchema: obj("text")},
		{Name: "memory_fact_load", Server: "memory", InputSchema: obj("query")},
		{Name: "memory_search_layered", Server: "memory", InputSchema: obj("query")},
		{Name: "memory_semantic_search", Server: "memory", InputSchema: obj("query")},
		{Name: "memory_graph_search", Server: "memory", InputSchema: obj("query")},
		{Name: "graph_add_node", Server: "memory", InputSchema: obj("text")},
		{Name: "workspace_save", Server: "memory", InputSchema: obj("text")},
		{Name: "workspace_event_save", Server: "memory", InputSchema: obj("text")},
		{Name: "blueprint_semantic_search", Server: "memory", InputSchema: obj("query")},

		{Name: "request_container", Server: "container", InputSchema: obj("image")},
		{Name: "exec_in_container", Server: "container", InputSchema: obj("container_id", "command")},
		{Name: "stop_container", Server: "container", InputSchema: obj("container_id")},
		{Name: "container_stats", Server: "container", InputSchema: obj("container_id")},
		{Name: "container_logs", Server: "container", InputSchema: obj("container_id")},
		{Name: "snapshot_list", Server: "container", InputSchema: obj()},
		{Name: "blueprint_list", Server: "container", InputSchema: obj()},

		{Name: "create_skill", Server: "skills", InputSchema: obj("name", "code")},
		{Name: "run_skill", Server: "skills", InputSchema: obj("name")},
		{Name: "list_skills", Server: "skills", InputSchema: obj()},
		{Name: "get_skill_info", Server: "skills", InputSchema: obj("name")},
		{Name: "autonomous_skill_task", Server: "skills", InputSchema: obj("user_text")},

		{Name: "home_read", Server: "home", InputSchema: obj("entity_id")},
		{Name: "home_write", Server: "home", InputSchema: obj("entity_id", "action")},
		{Name: "home_list", Server: "home", InputSchema: obj()},
	}
}
