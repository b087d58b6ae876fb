package flow

import (
	"strings"
	"testing"

	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/catalog"
	xerrors "github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/errors"
)

func TestCompileIndependentTools(t *testing.T) {
	plan, err := Compile(catalog.Default(), []Edge{
		{Tool: "get_balance"},
		{Tool: "fetch_price"},
		{Tool: "get_balance"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if len(plan.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %v", plan.Tools)
	}
	if plan.Tools[0] != "get_balance" || plan.Tools[1] != "fetch_price" {
		t.Fatalf("unexpected tool order: %v", plan.Tools)
	}
	if plan.Sequential() {
		t.Fatalf("expected independent plan")
	}
	if !strings.Contains(plan.Instructions, "INSTRUCTIONS:") {
		t.Fatalf("missing independent instructions block:\n%s", plan.Instructions)
	}
	if strings.Contains(plan.Instructions, "TOOL EXECUTION FLOW") {
		t.Fatalf("independent plan should not carry sequential block")
	}
	if !strings.Contains(plan.Instructions, "IMPORTANT RULES:") {
		t.Fatalf("missing shared rules block")
	}
}

func TestCompileSequentialChain(t *testing.T) {
	plan, err := Compile(catalog.Default(), []Edge{
		{Tool: "deploy_erc20", NextTool: "airdrop"},
		{Tool: "airdrop", NextTool: "get_balance"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	want := []string{"deploy_erc20", "airdrop", "get_balance"}
	if len(plan.Tools) != len(want) {
		t.Fatalf("unexpected tools: %v", plan.Tools)
	}
	for i, name := range want {
		if plan.Tools[i] != name {
			t.Fatalf("tool %d = %s, want %s", i, plan.Tools[i], name)
		}
	}

	if next, ok := plan.Successor("deploy_erc20"); !ok || next != "airdrop" {
		t.Fatalf("unexpected successor of deploy_erc20: %s", next)
	}
	if next, ok := plan.Successor("airdrop"); !ok || next != "get_balance" {
		t.Fatalf("unexpected successor of airdrop: %s", next)
	}
	if _, ok := plan.Successor("get_balance"); ok {
		t.Fatalf("terminal tool should not have a successor")
	}

	if !strings.Contains(plan.Instructions, "After deploy_erc20 completes, YOU MUST IMMEDIATELY call airdrop") {
		t.Fatalf("missing chain directive:\n%s", plan.Instructions)
	}
	if !strings.Contains(plan.Instructions, "SEQUENTIAL EXECUTION INSTRUCTIONS - CRITICAL:") {
		t.Fatalf("missing sequential instructions block")
	}
}

func TestCompileLastDeclarationWins(t *testing.T) {
	plan, err := Compile(catalog.Default(), []Edge{
		{Tool: "transfer", NextTool: "get_balance"},
		{Tool: "transfer", NextTool: "fetch_price"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if next, _ := plan.Successor("transfer"); next != "fetch_price" {
		t.Fatalf("expected last declaration to win, got %s", next)
	}
	if len(plan.Successors) != 1 {
		t.Fatalf("expected single successor entry, got %v", plan.Successors)
	}
}

func TestCompileRejectsUnknownTool(t *testing.T) {
	_, err := Compile(catalog.Default(), []Edge{{Tool: "mint_galaxy"}})
	if err == nil {
		t.Fatalf("expected unknown tool error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnknownTool {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}

	_, err = Compile(catalog.Default(), []Edge{{Tool: "transfer", NextTool: "mint_galaxy"}})
	if err == nil || xerrors.CodeOf(err) != xerrors.CodeUnknownTool {
		t.Fatalf("expected unknown tool error for successor, got %v", err)
	}
}

func TestCompileEmptyEdgesYieldsToollessPlan(t *testing.T) {
	plan, err := Compile(catalog.Default(), nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(plan.Tools) != 0 {
		t.Fatalf("expected no tools, got %v", plan.Tools)
	}
	if plan.Sequential() {
		t.Fatalf("empty plan cannot be sequential")
	}
	if !strings.Contains(plan.Instructions, "INSTRUCTIONS:") {
		t.Fatalf("toolless plan still needs base instructions:\n%s", plan.Instructions)
	}
}
