package coordination

import "github.com/redis/go-redis/v9"

// Every primitive in this file is a single atomic server-side script,
// so a reader of the state machine never needs to reason about two
// round trips racing each other. KEYS are always the seven anchor keys
// in the fixed order keyFields declares:
//
//	1 state, 2 access_time, 3 instances, 4 readers,
//	5 instances_trigger, 6 sessions, 7 last_disconnect

var scriptSessionConnect = redis.NewScript(`
redis.call("INCR", KEYS[6])
redis.call("DEL", KEYS[7])
`)

var scriptSessionDisconnect = redis.NewScript(`
local sessions = tonumber(redis.call("DECR", KEYS[6]))
if sessions <= 0 then
    redis.call("SET", KEYS[6], 0)
    redis.call("SET", KEYS[7], ARGV[1])
end
return sessions
`)

var scriptStartSession = redis.NewScript(`
local state = tonumber(redis.call("GET", KEYS[1])) or 0
local tstamp = ARGV[1]

if state == 0 then
    redis.call("SET", KEYS[1], 1)
    redis.call("DEL", KEYS[3])
    redis.call("SET", KEYS[4], 0)
elseif state == 1 then
    redis.call("INCR", KEYS[4])
elseif state == 3 then
    redis.call("SET", KEYS[1], 1)
    redis.call("SET", KEYS[4], 1)
    redis.call("SET", KEYS[2], tstamp)
    return 1
end

redis.call("SET", KEYS[2], tstamp)
return state
`)

var scriptEndColdSession = redis.NewScript(`
local readers = tonumber(redis.call("GET", KEYS[4])) or 0

if readers == 0 then
    redis.call("DEL", KEYS[3])
end

redis.call("SET", KEYS[1], 2)
return readers
`)

var scriptEndHeatingSession = redis.NewScript(`
local readers = tonumber(redis.call("DECR", KEYS[4])) or 0

if readers == 0 then
    redis.call("DEL", KEYS[3])
end

return readers
`)

var scriptRollbackToCold = redis.NewScript(`
local readers = tonumber(redis.call("GET", KEYS[4])) or 0

if readers > 0 then
    redis.call("RPUSH", KEYS[3], "error")
    local instances_size = redis.call("LLEN", KEYS[3])
    redis.call("PUBLISH", KEYS[5], instances_size)
end

redis.call("SET", KEYS[1], 0)
return readers
`)

var scriptEndWrite = redis.NewScript(`
local readers = tonumber(redis.call("GET", KEYS[4])) or 0
local negative_size = -tonumber(redis.call("LLEN", KEYS[3]))

if readers == 0 then
    redis.call("DEL", KEYS[3])
    return 0
else
    redis.call("PUBLISH", KEYS[5], negative_size)
    return negative_size
end
`)

var scriptStartCooling = redis.NewScript(`
local state = tonumber(redis.call("GET", KEYS[1])) or 0
if state ~= 2 then
    return 0
end

redis.call("SET", KEYS[1], 3)
redis.call("DEL", KEYS[3])
redis.call("SET", KEYS[4], 0)
return 1
`)

var scriptStartCoolingIfStale = redis.NewScript(`
local state = tonumber(redis.call("GET", KEYS[1])) or 0
if state ~= 2 then
    return 0
end

local sessions = tonumber(redis.call("GET", KEYS[6])) or 0
if sessions > 0 then
    return 0
end

local last_disconnect = tonumber(redis.call("GET", KEYS[7]))
if not last_disconnect then
    return 0
end

local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
if (now - last_disconnect) < ttl then
    return 0
end

redis.call("SET", KEYS[1], 3)
redis.call("DEL", KEYS[3])
redis.call("SET", KEYS[4], 0)
return 1
`)

var scriptFinishCooling = redis.NewScript(`
local state = tonumber(redis.call("GET", KEYS[1])) or 0
if state == 3 then
    local len = tonumber(redis.call("LLEN", KEYS[3])) or 0
    if len > 0 then
        redis.call("PUBLISH", KEYS[5], -len)
    end
    redis.call("SET", KEYS[1], 0)
    redis.call("DEL", KEYS[3])
    redis.call("SET", KEYS[4], 0)
    return 0
elseif state == 1 then
    local len = tonumber(redis.call("LLEN", KEYS[3])) or 0
    if len > 0 then
        redis.call("PUBLISH", KEYS[5], -len)
    end
    return 1
end
return -1
`)
