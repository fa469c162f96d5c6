package sqlinline

// Blank tokens are treated as unset so clearing a key falls back to the
// environment.
const QSelectIntegrationToken = `--sql 2f6b4c1e-93a7-4d0b-8c55-1e7f0a4d9b36
select token
from integration_tokens
where provider = $1::text
  and btrim(token) <> ''
limit 1;
`

// Properties are merged so audit fields from earlier writes survive.
const QUpsertIntegrationToken = `--sql c41d8e07-5a92-4f3b-b6e1-7d20f9a8c354
insert into integration_tokens (id, provider, token, properties, created_at, updated_at)
values (gen_random_uuid(), $1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update set
    token = excluded.token,
    properties = integration_tokens.properties || excluded.properties,
    updated_at = now();
`
