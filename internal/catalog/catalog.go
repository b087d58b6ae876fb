package catalog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	xerrors "github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/errors"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/llm"
)

// PrivateKeyField 是目录中约定的私钥参数名。声明了该参数的工具在调用时
// 允许由编排层注入调用方提供的私钥。
const PrivateKeyField = "privateKey"

// AddressPlaceholder 是调用地址模板中的路径占位符。
const AddressPlaceholder = "{address}"

// Property 描述参数的 JSON Schema 片段。
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// Parameters 是工具参数的对象 Schema。
type Parameters struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// ToolSpec 描述一个可供智能体调用的链上操作工具。Endpoint 为 URL 模板，
// 可以包含 {address} 占位符。
type ToolSpec struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
	Endpoint    string     `json:"endpoint"`
	Method      string     `json:"method"`
}

// RequiresPrivateKey 判断工具参数中是否声明了私钥字段。
func (s ToolSpec) RequiresPrivateKey() bool {
	_, ok := s.Parameters.Properties[PrivateKeyField]
	return ok
}

// Catalog 是启动时构建、运行期只读的工具目录。
type Catalog struct {
	specs map[string]ToolSpec
	order []string
}

// New 根据给定的工具列表构建目录。重复的名称以后声明者为准。
func New(specs ...ToolSpec) (*Catalog, error) {
	c := &Catalog{specs: make(map[string]ToolSpec, len(specs))}
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
		}
		if spec.Endpoint == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 缺少调用地址", name))
		}
		switch spec.Method {
		case http.MethodGet, http.MethodPost:
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 使用了不支持的 HTTP 方法: %s", name, spec.Method))
		}
		if _, exists := c.specs[name]; !exists {
			c.order = append(c.order, name)
		}
		spec.Name = name
		c.specs[name] = spec
	}
	return c, nil
}

// Load 从 JSON 文件加载工具目录，供部署环境覆盖内置定义。
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目录文件路径不能为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取目录文件失败")
	}

	var specs []ToolSpec
	if err := json.Unmarshal(content, &specs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析目录文件失败")
	}
	return New(specs...)
}

// Lookup 返回指定工具的定义。
func (c *Catalog) Lookup(name string) (ToolSpec, bool) {
	if c == nil {
		return ToolSpec{}, false
	}
	spec, ok := c.specs[name]
	return spec, ok
}

// Has 判断工具是否存在于目录中。
func (c *Catalog) Has(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// Names 按首次声明顺序返回全部工具名称。
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len 返回目录中的工具数量。
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// Specs 按首次声明顺序返回全部工具定义。
func (c *Catalog) Specs() []ToolSpec {
	if c == nil {
		return nil
	}
	out := make([]ToolSpec, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.specs[name])
	}
	return out
}

// Functions 将指定工具的定义翻译为 provider 的函数调用格式。
// 这是一个无状态的纯转换：未知名称被跳过，由上游负责预先校验。
func (c *Catalog) Functions(names []string) []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		spec, ok := c.Lookup(name)
		if !ok {
			continue
		}
		schemas = append(schemas, llm.ToolSchema{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}
	return schemas
}
