package logger

import "fmt"

// Leveled adapts a Logger to the key/value LeveledLogger shape expected by
// go-retryablehttp.
type Leveled struct {
	Logger Logger
}

func (l Leveled) Error(msg string, keysAndValues ...interface{}) {
	l.Logger.Error(msg, pairsToFields(keysAndValues))
}

func (l Leveled) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, pairsToFields(keysAndValues))
}

// Debug logs at debug level; retry chatter belongs there.
func (l Leveled) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.Debug(msg, pairsToFields(keysAndValues))
}

func (l Leveled) Warn(msg string, keysAndValues ...interface{}) {
	l.Logger.Warn(msg, pairsToFields(keysAndValues))
}

func pairsToFields(kv []interface{}) map[string]interface{} {
	if len(kv) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 < len(kv) {
			fields[key] = kv[i+1]
		} else {
			fields[key] = nil
		}
	}
	return fields
}
