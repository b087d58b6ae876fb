package catalog

import "net/http"

// defaultBaseURL 指向 Mantle 链上操作后端的默认地址。
const defaultBaseURL = "https://mantlebackend-739298578243.us-central1.run.app"

// Default 返回内置的 Mantle 工具目录。
func Default() *Catalog {
	return DefaultWithBase(defaultBaseURL)
}

// DefaultWithBase 基于指定的后端地址构建内置工具目录。
func DefaultWithBase(baseURL string) *Catalog {
	c, err := New(
		ToolSpec{
			Name:        "transfer",
			Description: "Transfer tokens from one address to another. Requires privateKey, toAddress, amount, and tokenAddress.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"privateKey":   {Type: "string", Description: "Private key of the sender wallet"},
					"toAddress":    {Type: "string", Description: "Recipient wallet address"},
					"amount":       {Type: "string", Description: "Amount of tokens to transfer"},
					"tokenAddress": {Type: "string", Description: "Contract address of the token"},
				},
				Required: []string{"privateKey", "toAddress", "amount", "tokenAddress"},
			},
			Endpoint: baseURL + "/transfer",
			Method:   http.MethodPost,
		},
		ToolSpec{
			Name:        "swap",
			Description: "Swap one token for another. Requires privateKey, tokenIn, tokenOut, amountIn, and slippageTolerance.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"privateKey":        {Type: "string", Description: "Private key of the wallet"},
					"tokenIn":           {Type: "string", Description: "Input token contract address"},
					"tokenOut":          {Type: "string", Description: "Output token contract address"},
					"amountIn":          {Type: "string", Description: "Amount of input tokens"},
					"slippageTolerance": {Type: "number", Description: "Slippage tolerance percentage"},
				},
				Required: []string{"privateKey", "tokenIn", "tokenOut", "amountIn", "slippageTolerance"},
			},
			Endpoint: baseURL + "/swap",
			Method:   http.MethodPost,
		},
		ToolSpec{
			Name:        "get_balance",
			Description: "Get MNT balance of a wallet address. Requires only the wallet address.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"address": {Type: "string", Description: "Wallet address to check balance"},
				},
				Required: []string{"address"},
			},
			Endpoint: baseURL + "/balance/" + AddressPlaceholder,
			Method:   http.MethodGet,
		},
		ToolSpec{
			Name:        "deploy_erc20",
			Description: "Deploy a new ERC-20 token. Requires privateKey, name, symbol, and initialSupply.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"privateKey":    {Type: "string", Description: "Private key of the deployer wallet"},
					"name":          {Type: "string", Description: "Token name"},
					"symbol":        {Type: "string", Description: "Token symbol"},
					"initialSupply": {Type: "string", Description: "Initial token supply"},
				},
				Required: []string{"privateKey", "name", "symbol", "initialSupply"},
			},
			Endpoint: baseURL + "/deploy-token",
			Method:   http.MethodPost,
		},
		ToolSpec{
			Name:        "deploy_erc721",
			Description: "Deploy a new ERC-721 NFT collection. Requires privateKey, name, and symbol.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"privateKey": {Type: "string", Description: "Private key of the deployer wallet"},
					"name":       {Type: "string", Description: "NFT collection name"},
					"symbol":     {Type: "string", Description: "NFT collection symbol"},
				},
				Required: []string{"privateKey", "name", "symbol"},
			},
			Endpoint: baseURL + "/create-nft-collection",
			Method:   http.MethodPost,
		},
		ToolSpec{
			Name:        "create_dao",
			Description: "Create a new DAO (Decentralized Autonomous Organization). Requires privateKey, name, votingPeriod, and quorumPercentage.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"privateKey":       {Type: "string", Description: "Private key of the DAO creator"},
					"name":             {Type: "string", Description: "DAO name"},
					"votingPeriod":     {Type: "string", Description: "Voting period in seconds"},
					"quorumPercentage": {Type: "string", Description: "Quorum percentage required for voting"},
				},
				Required: []string{"privateKey", "name", "votingPeriod", "quorumPercentage"},
			},
			Endpoint: baseURL + "/create-dao",
			Method:   http.MethodPost,
		},
		ToolSpec{
			Name:        "airdrop",
			Description: "Airdrop tokens to multiple recipients. Requires privateKey, recipients (list of addresses), and amount per recipient.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"privateKey": {Type: "string", Description: "Private key of the sender wallet"},
					"recipients": {Type: "array", Items: &Property{Type: "string"}, Description: "List of recipient wallet addresses"},
					"amount":     {Type: "string", Description: "Amount to send to each recipient"},
				},
				Required: []string{"privateKey", "recipients", "amount"},
			},
			Endpoint: baseURL + "/airdrop",
			Method:   http.MethodPost,
		},
		ToolSpec{
			Name:        "fetch_price",
			Description: "Fetch the current price of any cryptocurrency or token. Requires a query string.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"query": {Type: "string", Description: "Query string for token price (e.g., 'bitcoin current price')"},
				},
				Required: []string{"query"},
			},
			Endpoint: baseURL + "/token-price",
			Method:   http.MethodPost,
		},
		ToolSpec{
			Name:        "deposit_yield",
			Description: "Create a deposit with yield prediction. Requires privateKey, tokenAddress, depositAmount, and apyPercent.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"privateKey":    {Type: "string", Description: "Private key of the depositor wallet"},
					"tokenAddress":  {Type: "string", Description: "Token contract address to deposit"},
					"depositAmount": {Type: "string", Description: "Amount to deposit"},
					"apyPercent":    {Type: "number", Description: "Annual Percentage Yield (APY) percentage"},
				},
				Required: []string{"privateKey", "tokenAddress", "depositAmount", "apyPercent"},
			},
			Endpoint: baseURL + "/yield",
			Method:   http.MethodPost,
		},
		ToolSpec{
			Name:        "wallet_analytics",
			Description: "Get wallet analytics including ERC-20 token balances. Requires wallet address.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"address": {Type: "string", Description: "Wallet address to analyze"},
				},
				Required: []string{"address"},
			},
			Endpoint: baseURL + "/api/balance/erc20",
			Method:   http.MethodPost,
		},
	)
	if err != nil {
		// 内置目录由常量构成，构建失败属于程序缺陷。
		panic(err)
	}
	return c
}
