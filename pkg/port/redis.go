package port

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/nobletooth/plaza/pkg/cache"
	"github.com/nobletooth/plaza/pkg/content"
)

const RedisOk = "OK"

var redisAddress = flag.String("redis_address", ":6380",
	"The ip:port the Redis protocol ops port listens on.")

// Cache is what the ops ports need from the cache manager.
type Cache interface {
	content.Cache
	Keys(contentType cache.ContentType) []string
	KeysMatching(contentType cache.ContentType, pattern string) ([]string, error)
	Purge(contentType cache.ContentType) int
	Status() cache.Status
}

var _ Cache = (*cache.Manager)(nil)

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeArray      []string // Writes an array of bulk strings if non-nil.
	writeBulk       *string  // Writes a bulk string if set.
	writeString     string   // Writes a string value if set.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisBulk(s string) redisOutput {
	return redisOutput{writeBulk: &s}
}

func writeRedisArray(values []string) redisOutput {
	if values == nil {
		values = []string{}
	}
	return redisOutput{writeArray: values}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArguments(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// write sends the output over the connection. Returns false when the connection got closed.
func (o redisOutput) write(conn redcon.Conn) bool {
	switch {
	case o.err != nil:
		conn.WriteError(*o.err)
	case o.writeNil:
		conn.WriteNull()
	case o.writeInt != nil:
		conn.WriteInt(*o.writeInt)
	case o.writeArray != nil:
		conn.WriteArray(len(o.writeArray))
		for _, value := range o.writeArray {
			conn.WriteBulkString(value)
		}
	case o.writeBulk != nil:
		conn.WriteBulkString(*o.writeBulk)
	default:
		conn.WriteString(o.writeString)
	}
	if o.closeConnection {
		if err := conn.Close(); err != nil {
			slog.Error("Failed to close connection.", "error", err)
		}
		return false
	}
	return true
}

type redisHandler struct {
	views Cache
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(views Cache) (*redisHandler, error) {
	if views == nil {
		return nil, errors.New("expected a non-nil cache")
	}
	return &redisHandler{views: views}, nil
}

func parseContentType(name string) (cache.ContentType, error) {
	contentType := cache.ContentType(strings.ToLower(name))
	if !slices.Contains(cache.AllTypes, contentType) {
		return "", fmt.Errorf("unknown content type '%s'", name)
	}
	return contentType, nil
}

// parseParams reads `name=value[,value...]` arguments.
func parseParams(args []string) (content.Params, error) {
	params := make(content.Params, len(args))
	for _, arg := range args {
		name, values, found := strings.Cut(arg, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("expected name=value, got '%s'", arg)
		}
		params[name] = append(params[name], strings.Split(values, ",")...)
	}
	return params, nil
}

func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	command := strings.ToUpper(cmd.command)
	switch command {
	case "PING":
		if len(cmd.args) == 1 {
			return writeRedisBulk(cmd.args[0])
		}
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "CACHE.STATUS":
		status, err := json.Marshal(rh.views.Status())
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisBulk(string(status))
	case "CACHE.KEYS": // CACHE.KEYS type [pattern]
		if len(cmd.args) < 1 || len(cmd.args) > 2 {
			return wrongArguments(command)
		}
		contentType, err := parseContentType(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		keys := rh.views.Keys(contentType)
		if len(cmd.args) == 2 {
			if keys, err = rh.views.KeysMatching(contentType, cmd.args[1]); err != nil {
				return writeRedisError(err)
			}
		}
		slices.Sort(keys)
		return writeRedisArray(keys)
	case "CACHE.DEL": // CACHE.DEL type key [key ...]
		if len(cmd.args) < 2 {
			return wrongArguments(command)
		}
		contentType, err := parseContentType(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		for _, key := range cmd.args[1:] {
			if !cache.IsPattern(key) {
				continue
			}
			if _, err := rh.views.KeysMatching(contentType, key); err != nil {
				return writeRedisError(err)
			}
		}
		deletedCount := 0
		for _, key := range cmd.args[1:] {
			if cache.IsPattern(key) {
				deletedCount += rh.views.DeleteMatching(contentType, key)
			} else if rh.views.Delete(contentType, key) {
				deletedCount++
			}
		}
		return writeRedisInt(deletedCount)
	case "CACHE.PURGE": // CACHE.PURGE type
		if len(cmd.args) != 1 {
			return wrongArguments(command)
		}
		contentType, err := parseContentType(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(rh.views.Purge(contentType))
	case "CACHE.INVALIDATE": // CACHE.INVALIDATE mutation [name=value[,value...] ...]
		if len(cmd.args) < 1 {
			return wrongArguments(command)
		}
		mutation := content.Mutation(strings.ToLower(cmd.args[0]))
		invalidations, found := content.InvalidationsOf(mutation)
		if !found {
			return writeRedisError(fmt.Errorf("unknown mutation '%s'", cmd.args[0]))
		}
		params, err := parseParams(cmd.args[1:])
		if err != nil {
			return writeRedisError(err)
		}
		for _, invalidation := range invalidations {
			keys, complete := invalidation.Expand(params)
			if !complete {
				return writeRedisError(fmt.Errorf("mutation '%s' needs parameters for '%s'", mutation, invalidation.Template))
			}
			for _, key := range keys {
				if !cache.IsPattern(key) {
					continue
				}
				if _, err := rh.views.KeysMatching(invalidation.Pool, key); err != nil {
					return writeRedisError(err)
				}
			}
		}
		content.Invalidate(rh.views, mutation, params)
		return writeRedisString(RedisOk)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// RunRedisServer serves the cache ops commands over the Redis protocol until `ctx` is cancelled.
func RunRedisServer(ctx context.Context, views Cache) error {
	if *redisAddress == "" {
		return errors.New("expected a non-empty --redis_address flag")
	}

	redisHandler, err := newRedisHandler(views)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *redisAddress,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: string(cmd.Args[0]), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			redisHandler.handle(command).write(conn)
		},
		/*accept*/ func(conn redcon.Conn) bool {
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Ops connection closed with an error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()
	slog.Info("Serving Redis protocol ops port.", "address", *redisAddress)

	select {
	case <-ctx.Done():
		if err := redisServer.Close(); err != nil {
			return fmt.Errorf("failed to close the ops port: %w", err)
		}
	case err := <-serverErrSignal:
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
