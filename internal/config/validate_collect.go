package config

// issueAdder records a problem at a field path.
type issueAdder func(field, message string)

// issueCollector accumulates the issues of one document. A field/message
// pair is kept once; nested defaults can report the same problem for every
// step that inherits it.
type issueCollector struct {
	document string
	issues   []Issue
	seen     map[Issue]struct{}
}

func newIssueCollector(document string) *issueCollector {
	return &issueCollector{document: document, seen: map[Issue]struct{}{}}
}

func (c *issueCollector) add(field, message string) {
	issue := Issue{Field: field, Message: message}
	if _, dup := c.seen[issue]; dup {
		return
	}
	c.seen[issue] = struct{}{}
	c.issues = append(c.issues, issue)
}

// result returns a *ValidationError when any issue was recorded.
func (c *issueCollector) result() error {
	if len(c.issues) == 0 {
		return nil
	}
	return &ValidationError{Document: c.document, Issues: c.issues}
}
