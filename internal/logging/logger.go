package logging

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// LogLevel определяет уровни логирования
type LogLevel int32

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
)

// LogDirEnv - переменная окружения с каталогом файловых логов.
// Если она пуста, логгеры пишут только в консоль.
const LogDirEnv = "VOXEL_LOG_DIR"

// String возвращает строковое представление уровня логирования
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel разбирает имя уровня без учёта регистра.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return TRACE, nil
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Logger пишет сообщения компонента в консоль и, опционально, в файл
type Logger struct {
	component       string
	consoleLogger   *log.Logger
	fileLogger      *log.Logger
	file            *os.File
	minConsoleLevel atomic.Int32
	minFileLevel    atomic.Int32
}

// defaultLogger используется пакетными функциями Info/Debug/Warn/Error
var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(NewConsoleLogger("", os.Stderr))
}

// NewConsoleLogger создаёт логгер без файла
func NewConsoleLogger(component string, w io.Writer) *Logger {
	l := &Logger{
		component:     component,
		consoleLogger: log.New(w, "", log.LstdFlags),
	}
	l.minConsoleLevel.Store(int32(INFO))
	l.minFileLevel.Store(int32(DEBUG))
	return l
}

// NewLogger создаёт логгер компонента. Если задан VOXEL_LOG_DIR, сообщения
// дополнительно пишутся в файл <component>_<время>.log в этом каталоге.
func NewLogger(component string) (*Logger, error) {
	l := NewConsoleLogger(component, os.Stderr)

	dir := os.Getenv(LogDirEnv)
	if dir == "" {
		return l, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ошибка создания директории логов: %w", err)
	}

	name := component
	if name == "" {
		name = "voxel"
	}
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filename := filepath.Join(dir, fmt.Sprintf("%s_%s.log", name, timestamp))

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания файла логов: %w", err)
	}
	l.file = file
	l.fileLogger = log.New(file, "", log.LstdFlags)
	return l, nil
}

// InitDefaultLogger заменяет логгер пакетных функций.
func InitDefaultLogger(component string) error {
	l, err := NewLogger(component)
	if err != nil {
		return err
	}
	if old := defaultLogger.Swap(l); old != nil {
		old.Close()
	}
	return nil
}

// Default возвращает логгер пакетных функций.
func Default() *Logger { return defaultLogger.Load() }

// SetLevel задаёт уровень консоли логгера по умолчанию.
func SetLevel(level LogLevel) { Default().SetLevel(level) }

// Component возвращает имя компонента.
func (l *Logger) Component() string { return l.component }

// SetLevel задаёт минимальный уровень вывода в консоль.
func (l *Logger) SetLevel(level LogLevel) { l.minConsoleLevel.Store(int32(level)) }

// SetLevels задаёт минимальные уровни консоли и файла.
func (l *Logger) SetLevels(consoleLevel, fileLevel LogLevel) {
	l.minConsoleLevel.Store(int32(consoleLevel))
	l.minFileLevel.Store(int32(fileLevel))
}

// Enabled сообщает, будет ли сообщение уровня level куда-либо записано.
func (l *Logger) Enabled(level LogLevel) bool {
	if level >= LogLevel(l.minConsoleLevel.Load()) {
		return true
	}
	return l.fileLogger != nil && level >= LogLevel(l.minFileLevel.Load())
}

// Close закрывает файл логов
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Trace логирует сообщение уровня TRACE
func (l *Logger) Trace(format string, args ...interface{}) { l.logMessage(TRACE, format, args...) }

// Debug логирует сообщение уровня DEBUG
func (l *Logger) Debug(format string, args ...interface{}) { l.logMessage(DEBUG, format, args...) }

// Info логирует сообщение уровня INFO
func (l *Logger) Info(format string, args ...interface{}) { l.logMessage(INFO, format, args...) }

// Warn логирует сообщение уровня WARN
func (l *Logger) Warn(format string, args ...interface{}) { l.logMessage(WARN, format, args...) }

// Error логирует сообщение уровня ERROR
func (l *Logger) Error(format string, args ...interface{}) { l.logMessage(ERROR, format, args...) }

// logMessage внутренняя функция для логирования
func (l *Logger) logMessage(level LogLevel, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	prefix := "[" + level.String() + "]"
	if l.component != "" {
		prefix += " [" + l.component + "]"
	}
	message := prefix + " " + fmt.Sprintf(format, args...)

	if l.fileLogger != nil && level >= LogLevel(l.minFileLevel.Load()) {
		l.fileLogger.Println(message)
	}
	if level >= LogLevel(l.minConsoleLevel.Load()) {
		l.consoleLogger.Println(message)
	}
}

// Trace логирует сообщение уровня TRACE логгером по умолчанию
func Trace(format string, args ...interface{}) { Default().logMessage(TRACE, format, args...) }

// Debug логирует сообщение уровня DEBUG логгером по умолчанию
func Debug(format string, args ...interface{}) { Default().logMessage(DEBUG, format, args...) }

// Info логирует сообщение уровня INFO логгером по умолчанию
func Info(format string, args ...interface{}) { Default().logMessage(INFO, format, args...) }

// Warn логирует сообщение уровня WARN логгером по умолчанию
func Warn(format string, args ...interface{}) { Default().logMessage(WARN, format, args...) }

// Error логирует сообщение уровня ERROR логгером по умолчанию
func Error(format string, args ...interface{}) { Default().logMessage(ERROR, format, args...) }

// HexDump создает hex дамп данных
func HexDump(data []byte) string {
	if len(data) == 0 {
		return "No data"
	}

	// Ограничиваем размер дампа до 256 байт
	size := len(data)
	if size > 256 {
		size = 256
	}

	return hex.Dump(data[:size])
}
