package pipeline

import (
	"fmt"
	"strings"

	"github.com/dvloznov/expense-assistant/internal/domain"
)

// ChatPersona is the fixed system prompt of the free-text chat entry point.
const ChatPersona = "You are a friendly personal finance assistant inside an expense tracking app.\n" +
	"Answer questions about budgeting, saving and spending habits in a few short sentences.\n" +
	"Do not invent account balances or transactions you were not told about.\n" +
	"If the user wants to record a transaction, tell them to describe it in the expense entry box."

// BuildSystemPrompt renders the extraction prompt for the given pools.
// The output depends only on its arguments.
func BuildSystemPrompt(pools *Pools, defaultCurrency string) string {
	if defaultCurrency == "" {
		defaultCurrency = domain.DefaultCurrency
	}
	if pools == nil {
		pools = &Pools{}
	}

	var b strings.Builder

	b.WriteString("You are a transaction extractor for a personal expense and income tracker.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- Read the user's message and extract EVERY financial transaction it describes.\n")
	b.WriteString("- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n")
	b.WriteString("- Output a JSON array of objects, even for a single transaction.\n\n")

	b.WriteString("Each object must have these fields:\n")
	b.WriteString("- \"kind\": \"expense\", \"income\" or \"transfer\"\n")
	b.WriteString("- \"amount\": positive number, no currency symbols\n")
	b.WriteString("- \"categoryName\": string (one of the categories below)\n")
	b.WriteString("- \"subcategoryName\": string (one of the subcategories of that category)\n")
	b.WriteString("- \"paymentMethod\": string (expenses only, one of the payment methods below)\n")
	b.WriteString("- \"creditFrom\": string (incomes only, one of the income sources below)\n")
	b.WriteString("- \"currencyCode\": ISO 4217 code, e.g. \"" + defaultCurrency + "\"\n")
	b.WriteString("- \"description\": short description in the user's words\n\n")

	writeCategoryPool(&b, "Expense categories", pools.Expense)
	writeCategoryPool(&b, "Income categories", pools.Income)
	writeNameList(&b, "Payment methods (expenses)", pools.DebitModeNames)
	writeNameList(&b, "Income sources (incomes)", pools.CreditModeNames)

	b.WriteString("RULES:\n")
	b.WriteString("1. Transaction kind:\n")
	b.WriteString("   - \"expense\": money the user spent or paid.\n")
	b.WriteString("   - \"income\": money the user received or earned.\n")
	b.WriteString("   - \"transfer\": money moved between the user's OWN accounts (e.g. bank to wallet, savings to current).\n")
	b.WriteString("     A transfer is never an expense or an income.\n")
	b.WriteString("2. Currency:\n")
	fmt.Fprintf(&b, "   - If no currency is mentioned, use \"%s\".\n", defaultCurrency)
	b.WriteString("   - \"$\", \"dollar\", \"dollars\", \"USD\" mean \"USD\".\n")
	b.WriteString("   - \"€\", \"euro\", \"euros\", \"EUR\" mean \"EUR\".\n")
	b.WriteString("   - \"£\", \"pound\", \"pounds\", \"GBP\" mean \"GBP\".\n")
	b.WriteString("   - \"₹\", \"rs\", \"rupee\", \"rupees\", \"INR\" mean \"INR\".\n")
	b.WriteString("   - Each transaction carries its own currency; a message can mix currencies.\n")
	b.WriteString("3. Categories:\n")
	b.WriteString("   - Use the category name EXACTLY as written in the lists above (case-sensitive).\n")
	b.WriteString("   - Expenses take expense categories, incomes take income categories.\n")
	b.WriteString("   - Pick the nearest matching category and one of its subcategories.\n")
	b.WriteString("   - If nothing matches, use the user's own phrase as \"categoryName\". Never invent a category and never use \"Unknown\".\n")
	b.WriteString("4. Payment method and income source:\n")
	fmt.Fprintf(&b, "   - If an expense does not say how it was paid, use \"%s\".\n", UnspecifiedPaymentMethod)
	fmt.Fprintf(&b, "   - If an income does not say where it came from, use \"%s\".\n", UnspecifiedCreditSource)
	b.WriteString("5. If the message has no amount or describes no transaction, do NOT guess. Output exactly:\n")
	fmt.Fprintf(&b, "   {\"error\": \"%s\", \"message\": \"<one sentence asking the user for the missing detail>\"}\n\n", ParsingFailedMarker)

	b.WriteString("EXAMPLES (format only; category names must still come from the lists above):\n\n")
	writeExample(&b,
		"spent 250 on lunch, credit card",
		fmt.Sprintf(`[{"kind":"expense","amount":250,"categoryName":"Food & Dining","subcategoryName":"Restaurants","paymentMethod":"Credit Card","currencyCode":"%s","description":"lunch"}]`, defaultCurrency))
	writeExample(&b,
		"got my salary of 50000 today",
		fmt.Sprintf(`[{"kind":"income","amount":50000,"categoryName":"Salary","subcategoryName":"Monthly Salary","creditFrom":"Salary","currencyCode":"%s","description":"salary"}]`, defaultCurrency))
	writeExample(&b,
		"paid $12 for netflix and 300 for groceries",
		fmt.Sprintf(`[{"kind":"expense","amount":12,"categoryName":"Entertainment","subcategoryName":"Subscriptions","paymentMethod":"%s","currencyCode":"USD","description":"netflix"},`+
			`{"kind":"expense","amount":300,"categoryName":"Food & Dining","subcategoryName":"Groceries","paymentMethod":"%s","currencyCode":"%s","description":"groceries"}]`,
			UnspecifiedPaymentMethod, UnspecifiedPaymentMethod, defaultCurrency))
	writeExample(&b,
		"moved 5000 from savings to my wallet",
		fmt.Sprintf(`[{"kind":"transfer","amount":5000,"categoryName":"%s","subcategoryName":"Savings to Wallet","currencyCode":"%s","description":"savings to wallet"}]`, TransferCategoryName, defaultCurrency))
	writeExample(&b,
		"bought stuff yesterday",
		fmt.Sprintf(`{"error":"%s","message":"How much did you spend, and on what?"}`, ParsingFailedMarker))

	b.WriteString("Return ONLY valid raw JSON.\n")
	b.WriteString("Do NOT wrap the response in code fences.\n")
	b.WriteString("Do NOT use ```json or any Markdown.\n")

	return b.String()
}

func writeCategoryPool(b *strings.Builder, title string, entries []domain.CategoryEntry) {
	b.WriteString(title + ":\n")
	if len(entries) == 0 {
		b.WriteString("  (none)\n\n")
		return
	}
	for _, e := range entries {
		b.WriteString("  - " + e.Name + ": " + strings.Join(e.SubcategoryNames, ", ") + "\n")
	}
	b.WriteString("\n")
}

func writeNameList(b *strings.Builder, title string, names []string) {
	b.WriteString(title + ":\n")
	if len(names) == 0 {
		b.WriteString("  (none)\n\n")
		return
	}
	b.WriteString("  " + strings.Join(names, ", ") + "\n\n")
}

func writeExample(b *strings.Builder, input, output string) {
	b.WriteString("Input: " + input + "\n")
	b.WriteString("Output: " + output + "\n\n")
}
