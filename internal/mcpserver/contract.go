package mcpserver

// CaseFormatContract describes the stored 8D case document so LLM consumers
// can interpret read_case output.
const CaseFormatContract = `# eightd Case Document Contract

Every case is stored as one JSON document at ` + "`<cases-root>/<case_number>/case.json`" + `.
Case numbers look like ` + "`INC-YYYYMMDD-NNNN`" + `.

## Structure

` + "```" + `json
{
  "case": {
    "case_number": "INC-20240131-0007",
    "opening_date": "2024-01-31",
    "closure_date": null,
    "status": "open"
  },
  "evidence": [],
  "phases": {
    "D1_D2": {
      "header": {
        "name": "Problem Initiation",
        "discipline": ["D1", "D2"],
        "completed": false,
        "status": "in_progress",
        "last_updated": "2024-01-31T10:00:00.000Z",
        "confirmed_at": null
      },
      "data": { "problem_description": "..." }
    }
  },
  "ai": { "last_run": null, "summary": "", "identified_root_causes": [], "recommended_actions": [] },
  "meta": { "version": 3, "created_at": "...", "updated_at": "..." }
}
` + "```" + `

## Phases

| id    | name                         |
|-------|------------------------------|
| D1_D2 | Problem Initiation           |
| D3    | Problem Definition           |
| D4    | Immediate Actions            |
| D5    | Root Cause Analysis          |
| D6    | Permanent Actions            |
| D7    | Prevention / Standardization |
| D8    | Closure                      |

## Rules

1. **Phase status** is one of ` + "`not_started`, `in_progress`, `confirmed`, `reopened`" + `.
   ` + "`completed`" + ` is true exactly when the status is ` + "`confirmed`" + `.
2. **Field data** lives under ` + "`phases.<id>.data`" + `. Keys are the field names of the
   phase form; nested objects mirror grouped fields.
3. **Lists replace.** A patch that carries a list replaces the stored list
   as a whole; objects are merged key by key.
4. **null is a value.** A null in a patch is stored as null, it does not
   delete the key.
5. **meta.version** increases by one on every stored patch.
`
