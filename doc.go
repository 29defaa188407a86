/*
Package grimoire implements the server side of a spell editor: a store of
node-graph documents ("spells") that describe AI agent workflows, an HTTP API
to create, read, update and delete them, and a diff-synchronization pipeline
that keeps stored spells and live spell-runner sessions consistent with the
edits made in an editor.

# Documents

A Spell holds a Graph whose nodes are keyed by node id. Every node names the
component it runs (Input, Output, Text, Completion), carries free-form
settings in Data and wires its sockets to other nodes through Connections:

	{
	  "name": "greeter",
	  "projectId": "p1",
	  "graph": {
	    "id": "greeter@0.1.0",
	    "nodes": {
	      "1": {"id": 1, "name": "Input", "data": {"name": "who"},
	            "outputs": {"output": {"connections": [{"node": 2, "input": "who"}]}}},
	      "2": {"id": 2, "name": "Text", "data": {"template": "Hello {{.who}}"}, ...}
	    }
	  },
	  "hash": "..."
	}

The hash is the md5 of the JSON encoding of graph.nodes. It is recomputed on
every save so clients can tell whether their copy is current.

# Synchronization

Editors do not resend whole documents on every change. A client keeps the
last spell it received from the server, computes a json0 diff (package
pkg/ot) between that and its edited copy, and sends the diff both to the
spells service (which persists it) and to the spell-runner (which patches the
running session). See package client for the editor side, package spells for
persistence and package runner for live sessions.

# Packages

  - pkg/ot: json0 components, Apply, Diff and Invert
  - store: SQLite and in-memory persistence for spells and completion requests
  - spells: CRUD and SaveDiff over a store, publishing change events
  - runner: spell-runner sessions and the graph evaluator
  - internal/broker: local and NATS fan-out of spell change events
  - provider/openai: completion pass-through with cost accounting
  - server: gin routes for all of the above
  - client: HTTP client and the editor-side diff/save pipeline
  - config: environment configuration
  - cmd/grimoire: the server binary and its command line client
*/
package grimoire
