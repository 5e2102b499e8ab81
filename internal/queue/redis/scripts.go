package redis

import goredis "github.com/redis/go-redis/v9"

// Leased items sit in the processing list as "<token>|<payload>". The token
// comes from the sequence key, so every lease, even of duplicate payloads,
// owns its own lease key. Failed attempts are counted per payload digest.

// KEYS: main, processing, attempts, sequence. ARGV: session, lease ms, lease key prefix.
// Returns {item, token, failedAttempts} or nil when main is empty.
var leaseScript = goredis.NewScript(`
local leased = redis.call('LRANGE', KEYS[2], 0, -1)
for _, entry in ipairs(leased) do
  local sep = string.find(entry, '|', 1, true)
  if not sep then
    redis.call('LREM', KEYS[2], 1, entry)
    redis.call('RPUSH', KEYS[1], entry)
  elseif redis.call('EXISTS', ARGV[3] .. string.sub(entry, 1, sep - 1)) == 0 then
    redis.call('LREM', KEYS[2], 1, entry)
    redis.call('RPUSH', KEYS[1], string.sub(entry, sep + 1))
  end
end
local item = redis.call('RPOP', KEYS[1])
if not item then
  return false
end
local token = tostring(redis.call('INCR', KEYS[4]))
redis.call('LPUSH', KEYS[2], token .. '|' .. item)
redis.call('SET', ARGV[3] .. token, ARGV[1], 'PX', ARGV[2])
local attempts = redis.call('HGET', KEYS[3], redis.sha1hex(item))
if attempts then
  attempts = tonumber(attempts)
else
  attempts = 0
end
return {item, token, attempts}
`)

// KEYS: processing, lease key, attempts. ARGV: session, token, item.
// Returns the number of removed items, or -1 when another session owns the lease.
var completeScript = goredis.NewScript(`
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[1] then
  return -1
end
local removed = redis.call('LREM', KEYS[1], 1, ARGV[2] .. '|' .. ARGV[3])
if removed > 0 then
  redis.call('DEL', KEYS[2])
  redis.call('HDEL', KEYS[3], redis.sha1hex(ARGV[3]))
end
return removed
`)

// KEYS: lease key. ARGV: session, lease ms.
var renewScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// KEYS: processing, main, lease key, attempts. ARGV: session, token, item.
// Returns the new failed attempt count, or -1 when the lease is not held.
var requeueScript = goredis.NewScript(`
local owner = redis.call('GET', KEYS[3])
if owner and owner ~= ARGV[1] then
  return -1
end
local removed = redis.call('LREM', KEYS[1], 1, ARGV[2] .. '|' .. ARGV[3])
if removed == 0 then
  return -1
end
redis.call('DEL', KEYS[3])
redis.call('LPUSH', KEYS[2], ARGV[3])
return redis.call('HINCRBY', KEYS[4], redis.sha1hex(ARGV[3]), 1)
`)
