package models

const (
	ChunkSeparator    = "\n"
	TableTriggerToken = "GENERATE_TABLE"
	ErrorAnswerPrefix = "An error occurred: "

	StrategyConcat     = "concat"
	StrategySimilarity = "similarity"

	MetricCosine = "cosine"
	MetricDot    = "dot"

	BudgetUnitChars  = "chars"
	BudgetUnitTokens = "tokens"
)

var (
	// SystemPromptTemplate receives the assembled context (PDF content then chat history).
	SystemPromptTemplate = `You are an AI assistant that answers questions based on the following PDF content and chat history:

%s

Answer the user's questions based on this information. If asked to create a table, use markdown format to generate it. If a side-by-side product comparison would help, say '` + TableTriggerToken + `'. Be comprehensive and detailed in your responses.`

	AnalyzeProductTemplate = `Analyze the following product and extract key features:
%s

Key features:`

	CompareProductsTemplate = `Compare the following two products:

Product 1: %s

Product 2: %s

Comparison:`
)
