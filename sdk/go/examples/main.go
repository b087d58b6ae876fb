package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/sdk/go/mantle"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(mantle.Workflow{
			AgentID: "agent-demo",
			Tools: []mantle.WorkflowNode{
				{ID: "node-1", Type: "airdrop", Name: "Airdrop", NextTools: []string{"node-2"}},
				{ID: "node-2", Type: "deposit_yield", Name: "Deposit", NextTools: nil},
			},
			HasSequential: true,
			Description:   "Airdrop tokens then deposit them for yield",
		})
	})
	mux.HandleFunc("/api/v1/agent/runs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(mantle.Run{ID: "run-demo", Status: mantle.RunPending})
	})
	mux.HandleFunc("/api/v1/agent/runs/run-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(mantle.Run{
			ID:     "run-demo",
			Status: mantle.RunSucceeded,
			Result: &mantle.ChatResult{Reply: "airdropped and deposited", Iterations: 3},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := mantle.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wf, err := client.BuildWorkflow(ctx, mantle.WorkflowRequest{
		Query: "airdrop tokens to my wallet and deposit them for yield",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("built workflow %s with %d tools\n", wf.AgentID, len(wf.Tools))

	created, err := client.SubmitRun(ctx, mantle.RunSubmission{
		Edges:   []mantle.Edge{{Tool: "airdrop", NextTool: "deposit_yield"}},
		Message: "airdrop then deposit",
	})
	if err != nil {
		panic(err)
	}

	final, err := client.WaitForRun(ctx, created.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished: %s\n", final.ID, final.Result.Reply)
}
