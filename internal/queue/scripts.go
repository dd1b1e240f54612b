package queue

import "github.com/redis/go-redis/v9"

// leaseCheck expects KEYS[1] = job hash and ARGV[2] = lease token.
// It returns -2 for a missing job and -1 when the token does not match.
const leaseCheck = `
local held = redis.call('HGET', KEYS[1], 'lease')
if not held then
  if redis.call('EXISTS', KEYS[1]) == 0 then return -2 end
  return -1
end
if held ~= ARGV[2] then return -1 end
`

var submitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'due', ARGV[3], 'attempts', 0)
if tonumber(ARGV[3]) > tonumber(ARGV[4]) then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
else
  redis.call('HSET', KEYS[1], 'state', 'ready')
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
return 1
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    redis.call('HSET', ARGV[3] .. id, 'state', 'ready')
    moved = moved + 1
  end
end
return moved
`)

var reserveScript = redis.NewScript(`
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then return nil end
  local job = ARGV[3] .. id
  if redis.call('EXISTS', job) == 1 then
    redis.call('HSET', job, 'lease', ARGV[2], 'state', 'active')
    local attempts = redis.call('HINCRBY', job, 'attempts', 1)
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    local delivered = redis.call('HGET', job, 'delivered') or ''
    return {id, redis.call('HGET', job, 'payload'), redis.call('HGET', job, 'due'), attempts, delivered}
  end
end
`)

var moveScript = redis.NewScript(leaseCheck + `
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'lease')
redis.call('HSET', KEYS[1], 'due', ARGV[3], 'state', 'delayed')
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

var extendScript = redis.NewScript(leaseCheck + `
redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[1])
return 1
`)

var deliveredScript = redis.NewScript(leaseCheck + `
redis.call('HSET', KEYS[1], 'delivered', ARGV[3])
return 1
`)

var ackScript = redis.NewScript(leaseCheck + `
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

var failScript = redis.NewScript(leaseCheck + `
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('LPUSH', KEYS[3], ARGV[3])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[4]) - 1)
return 1
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local job = ARGV[3] .. id
  if redis.call('EXISTS', job) == 1 then
    redis.call('HDEL', job, 'lease')
    redis.call('HSET', job, 'state', 'ready')
    redis.call('RPUSH', KEYS[2], id)
  end
end
return ids
`)
