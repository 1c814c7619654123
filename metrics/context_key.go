package metrics

type contextKey string

func (c contextKey) String() string {
	return "vidfleetContextKey" + string(c)
}

var RetriesKey = contextKey("VidfleetRetries")
